// Package client maintains one logical collaboration session for a plan,
// hiding the transport choice from its consumer. It prefers the push
// channel and falls back to polling the request/response endpoint whenever
// the push channel is unavailable, exposing the latest snapshot either way.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wayfare/api/internal/collab"
	"wayfare/api/internal/hub"
)

// State is the session's transport state. Transitions:
//
//	Disconnected -> Connecting  on Start
//	Connecting   -> PushActive  when the push channel opens
//	Connecting   -> Polling     when it fails to open
//	PushActive   -> Polling     when the push channel drops
//	any          -> Disconnected on Close
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePushActive
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePushActive:
		return "push-active"
	case StatePolling:
		return "polling"
	}
	return "disconnected"
}

const defaultHeartbeatInterval = 15 * time.Second

type Options struct {
	// BaseURL is the API root, e.g. "http://localhost:8790".
	BaseURL  string
	PlanID   string
	UserID   string
	UserName string
	// Token authenticates the request/response transport; the push
	// handshake carries identity in query parameters instead.
	Token             string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
}

// Session is a single collaboration session for one plan. All methods are
// safe to call at any time regardless of transport state, and none of them
// surface transport errors: on persistent failure the snapshot simply stays
// at its last known value.
type Session struct {
	opts       Options
	httpClient *http.Client
	dialer     *websocket.Dialer
	interval   time.Duration

	// writeMu serializes writes to the push connection; gorilla allows
	// only one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	snapshot   collab.Snapshot
	ws         *websocket.Conn
	generation int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if strings.TrimSpace(opts.PlanID) == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	return &Session{
		opts:       opts,
		httpClient: httpClient,
		dialer:     dialer,
		interval:   interval,
		state:      StateDisconnected,
		snapshot:   collab.EmptySnapshot(),
	}, nil
}

// Start activates the session. Calling Start on an active session is a
// no-op.
func (s *Session) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.state = StateConnecting
	generation := s.generation
	// Add while still holding the lock: Close retires cancel under the
	// same lock before it waits, so no Add can race its Wait.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(ctx, generation)
	}()
}

// Close deactivates the session: all timers stop, any open push connection
// closes, and no further network activity happens. Responses to requests
// already in flight are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.generation++
	s.state = StateDisconnected
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if ws != nil {
		_ = ws.Close()
	}
	s.wg.Wait()
}

// Snapshot returns the latest known collaboration state for the plan.
func (s *Session) Snapshot() collab.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := collab.Snapshot{
		ActiveUsers:   make([]collab.PresenceEntry, len(s.snapshot.ActiveUsers)),
		EditingStates: make([]collab.EditingLock, len(s.snapshot.EditingStates)),
	}
	copy(snapshot.ActiveUsers, s.snapshot.ActiveUsers)
	copy(snapshot.EditingStates, s.snapshot.EditingStates)
	return snapshot
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartEditing marks an element as being edited by this session's user. The
// marker is advisory; it replaces any other user's marker for the element.
func (s *Session) StartEditing(elementID string, elementType collab.ElementType) {
	s.sendAction(hub.ClientMessage{
		Action:      hub.ActionStartEditing,
		ElementID:   elementID,
		ElementType: elementType,
	})
}

// StopEditing clears this element's editing marker.
func (s *Session) StopEditing(elementID string) {
	s.sendAction(hub.ClientMessage{
		Action:    hub.ActionStopEditing,
		ElementID: elementID,
	})
}

// sendAction routes an action over the open push channel when there is one,
// and otherwise as a single one-shot request/response call. Either way the
// consumer is not blocked and errors are swallowed.
func (s *Session) sendAction(msg hub.ClientMessage) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	ws := s.ws
	generation := s.generation
	ctx := s.ctx

	if ws == nil {
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.postAction(ctx, generation, msg)
		}()
		return
	}
	s.mu.Unlock()

	// The push server rebroadcasts the resulting snapshot; the reader
	// loop picks it up.
	s.writeWS(ws, msg)
}

func (s *Session) run(ctx context.Context, generation int) {
	if s.runPush(ctx, generation) {
		// The push channel was open and then dropped. Unless the
		// session was closed, resume polling.
		if ctx.Err() != nil {
			return
		}
	}
	s.runPolling(ctx, generation)
}

// runPush attempts the push transport. It returns true if a connection was
// established (and later lost), false if it never opened.
func (s *Session) runPush(ctx context.Context, generation int) bool {
	wsURL, err := s.pushURL()
	if err != nil {
		return false
	}

	ws, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		_ = ws.Close()
		return false
	}
	s.ws = ws
	s.state = StatePushActive
	s.mu.Unlock()

	// Independent heartbeat keeps the connection's last-active marker
	// fresh server-side; the server's snapshots arrive via the reader.
	heartbeatDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatDone:
				return
			case <-ticker.C:
				s.writeWS(ws, hub.ClientMessage{Action: hub.ActionHeartbeat})
			}
		}
	}()

	for {
		var msg hub.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != "collaboration" {
			continue
		}
		s.setSnapshot(generation, msg.Snapshot)
	}

	close(heartbeatDone)
	_ = ws.Close()

	s.mu.Lock()
	if s.ws == ws {
		s.ws = nil
	}
	s.mu.Unlock()
	return true
}

// runPolling sends an immediate heartbeat and then polls on the heartbeat
// interval until the session is closed.
func (s *Session) runPolling(ctx context.Context, generation int) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.state = StatePolling
	s.mu.Unlock()

	s.postAction(ctx, generation, hub.ClientMessage{Action: hub.ActionHeartbeat})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.postAction(ctx, generation, hub.ClientMessage{Action: hub.ActionHeartbeat})
		}
	}
}

// postAction performs one request/response action and folds the returned
// snapshot into local state. All failures are swallowed; the snapshot stays
// at its last known value.
func (s *Session) postAction(ctx context.Context, generation int, msg hub.ClientMessage) {
	endpoint, err := s.collaborationURL()
	if err != nil {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var snapshot collab.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return
	}
	s.setSnapshot(generation, snapshot)
}

func (s *Session) writeWS(ws *websocket.Conn, msg hub.ClientMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.WriteJSON(msg)
}

// setSnapshot ignores results that arrive after the session was closed or
// restarted.
func (s *Session) setSnapshot(generation int, snapshot collab.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	if snapshot.ActiveUsers == nil {
		snapshot.ActiveUsers = []collab.PresenceEntry{}
	}
	if snapshot.EditingStates == nil {
		snapshot.EditingStates = []collab.EditingLock{}
	}
	s.snapshot = snapshot
}

func (s *Session) collaborationURL() (string, error) {
	base, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/plans/" + url.PathEscape(s.opts.PlanID) + "/collaboration"
	return base.String(), nil
}

func (s *Session) pushURL() (string, error) {
	base, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/plans/" + url.PathEscape(s.opts.PlanID) + "/collaboration/ws"
	query := url.Values{}
	query.Set("userId", s.opts.UserID)
	if s.opts.UserName != "" {
		query.Set("userName", s.opts.UserName)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}
