// Package hub is the push side of plan collaboration: a per-plan registry of
// websocket connections that receives heartbeat and editing messages and
// broadcasts a fresh snapshot to the whole plan after every mutation.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wayfare/api/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 16

	ActionHeartbeat    = "heartbeat"
	ActionStartEditing = "startEditing"
	ActionStopEditing  = "stopEditing"
)

// ClientMessage is what a push client sends: a heartbeat or an editing
// action. elementId and elementType only apply to the editing actions.
type ClientMessage struct {
	Action      string             `json:"action"`
	ElementID   string             `json:"elementId,omitempty"`
	ElementType collab.ElementType `json:"elementType,omitempty"`
}

// ServerMessage is the only shape pushed to clients.
type ServerMessage struct {
	Type string `json:"type"`
	collab.Snapshot
}

// stateStore is the durable half of collaboration state. Snapshots are
// always derived from it, never from the in-memory connection roster; the
// roster only decides who receives broadcasts.
type stateStore interface {
	SetPresence(ctx context.Context, planID, userID, userName string) error
	RemovePresence(ctx context.Context, planID, userID string) error
	SetEditingLock(ctx context.Context, planID, userID, elementID string, elementType collab.ElementType) error
	ClearEditingLock(ctx context.Context, planID, elementID string) error
	ClearUserLocks(ctx context.Context, planID, userID string) error
	Snapshot(ctx context.Context, planID string) collab.Snapshot
}

type connection struct {
	planID   string
	userID   string
	userName string

	ws   *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	closed     bool
	lastActive time.Time
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// enqueue hands a payload to the write pump. A slow consumer whose buffer is
// full just misses this snapshot; a later broadcast will catch it up. The
// mutex keeps the send racing against close from hitting a closed channel.
func (c *connection) enqueue(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.ws.Close()
}

// Registry owns every push connection on this server instance, grouped by
// plan. It is constructed explicitly and its lifecycle is tied to Start and
// Stop; there is no package-level state.
type Registry struct {
	store          stateStore
	bcast          Broadcaster
	upgrader       websocket.Upgrader
	sweepInterval  time.Duration
	staleThreshold time.Duration

	mu    sync.RWMutex
	plans map[string]map[*connection]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(store stateStore, bcast Broadcaster, sweepInterval, staleThreshold time.Duration) *Registry {
	return &Registry{
		store: store,
		bcast: bcast,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sweepInterval:  sweepInterval,
		staleThreshold: staleThreshold,
		plans:          make(map[string]map[*connection]struct{}),
		done:           make(chan struct{}),
	}
}

// Start wires the broadcaster to local delivery and begins the stale sweep.
func (r *Registry) Start() error {
	if err := r.bcast.Start(r.deliverLocal); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.sweepLoop()
	return nil
}

// Stop closes every connection and halts the sweeper. Durable presence and
// lock state is untouched; it ages out through its TTL. Stop is safe to
// call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		for _, conns := range r.plans {
			for conn := range conns {
				conn.close()
			}
		}
		r.plans = make(map[string]map[*connection]struct{})
		r.mu.Unlock()

		if err := r.bcast.Close(); err != nil {
			log.Printf("hub: broadcaster close: %v", err)
		}
	})
}

// HandleWS upgrades the request and runs the connection until it drops. The
// handshake carries identity in query parameters: planID from the route,
// userId required, userName optional.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request, planID string) {
	userID := req.URL.Query().Get("userId")
	userName := req.URL.Query().Get("userName")
	if userName == "" {
		userName = "Anonymous"
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	if planID == "" || userID == "" {
		// Rejected before registration: the client never joins a room.
		deadline := time.Now().Add(writeWait)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "planId and userId are required"),
			deadline,
		)
		_ = ws.Close()
		return
	}

	conn := &connection{
		planID:     planID,
		userID:     userID,
		userName:   userName,
		ws:         ws,
		send:       make(chan []byte, sendBufferSize),
		lastActive: time.Now(),
	}

	r.register(conn)

	// Write the presence heartbeat through to the durable store before the
	// first snapshot, so push and poll clients see the same roster.
	ctx := context.Background()
	if err := r.store.SetPresence(ctx, planID, userID, userName); err != nil {
		log.Printf("hub: presence write on connect failed for plan %s: %v", planID, err)
	}

	go conn.writePump()
	if payload, err := r.snapshotPayload(ctx, planID); err == nil {
		conn.enqueue(payload)
	}
	r.broadcast(ctx, planID)

	conn.readPump(r)
}

func (r *Registry) register(conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[conn.planID]; !ok {
		r.plans[conn.planID] = make(map[*connection]struct{})
	}
	r.plans[conn.planID][conn] = struct{}{}
}

func (r *Registry) unregister(conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.plans[conn.planID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.plans, conn.planID)
	}
}

// cleanup runs once per connection, after its read loop exits for any
// reason. It releases the user's locks and presence entry and lets the rest
// of the plan know.
func (r *Registry) cleanup(conn *connection) {
	conn.close()
	r.unregister(conn)

	ctx := context.Background()
	if err := r.store.ClearUserLocks(ctx, conn.planID, conn.userID); err != nil {
		log.Printf("hub: clearing locks for %s on plan %s: %v", conn.userID, conn.planID, err)
	}
	if err := r.store.RemovePresence(ctx, conn.planID, conn.userID); err != nil {
		log.Printf("hub: removing presence for %s on plan %s: %v", conn.userID, conn.planID, err)
	}
	r.broadcast(ctx, conn.planID)
}

func (r *Registry) snapshotPayload(ctx context.Context, planID string) ([]byte, error) {
	msg := ServerMessage{
		Type:     "collaboration",
		Snapshot: r.store.Snapshot(ctx, planID),
	}
	return json.Marshal(msg)
}

// broadcast publishes a fresh snapshot for the plan. It always runs after
// the mutation it reports; delivery across connections is best-effort and
// unordered, but every live connection converges on the latest state.
func (r *Registry) broadcast(ctx context.Context, planID string) {
	payload, err := r.snapshotPayload(ctx, planID)
	if err != nil {
		log.Printf("hub: marshal snapshot for plan %s: %v", planID, err)
		return
	}
	if err := r.bcast.Publish(ctx, planID, payload); err != nil {
		log.Printf("hub: publish snapshot for plan %s: %v", planID, err)
	}
}

func (r *Registry) deliverLocal(planID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn := range r.plans[planID] {
		conn.enqueue(payload)
	}
}

func (r *Registry) handleMessage(conn *connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("hub: malformed message from %s: %v", conn.userID, err)
		return
	}

	ctx := context.Background()

	switch msg.Action {
	case ActionHeartbeat:
		conn.touch()
		if err := r.store.SetPresence(ctx, conn.planID, conn.userID, conn.userName); err != nil {
			log.Printf("hub: heartbeat write failed for %s: %v", conn.userID, err)
		}
		r.broadcast(ctx, conn.planID)

	case ActionStartEditing:
		if msg.ElementID == "" || !msg.ElementType.Valid() {
			log.Printf("hub: ignoring invalid startEditing from %s", conn.userID)
			return
		}
		conn.touch()
		if err := r.store.SetEditingLock(ctx, conn.planID, conn.userID, msg.ElementID, msg.ElementType); err != nil {
			log.Printf("hub: lock write failed for %s: %v", conn.userID, err)
		}
		r.broadcast(ctx, conn.planID)

	case ActionStopEditing:
		if msg.ElementID == "" {
			log.Printf("hub: ignoring invalid stopEditing from %s", conn.userID)
			return
		}
		conn.touch()
		if err := r.store.ClearEditingLock(ctx, conn.planID, msg.ElementID); err != nil {
			log.Printf("hub: lock clear failed for %s: %v", conn.userID, err)
		}
		r.broadcast(ctx, conn.planID)

	default:
		log.Printf("hub: unknown action %q from %s", msg.Action, conn.userID)
	}
}

func (c *connection) readPump(r *Registry) {
	defer r.cleanup(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	// Pongs only prove the transport is alive; websocket stacks answer
	// pings automatically even when the application is frozen. Activity
	// for the stale sweep is counted on application messages alone.
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("hub: read error for %s on plan %s: %v", c.userID, c.planID, err)
			}
			return
		}
		r.handleMessage(c, data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sweepLoop periodically evicts connections that stopped heartbeating.
// Closing the socket makes the read loop exit, which runs the same cleanup
// as a client-initiated disconnect.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	var stale []*connection
	r.mu.RLock()
	for _, conns := range r.plans {
		for conn := range conns {
			if conn.idleFor() > r.staleThreshold {
				stale = append(stale, conn)
			}
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		log.Printf("hub: evicting stale connection for %s on plan %s", conn.userID, conn.planID)
		conn.close()
	}
}
