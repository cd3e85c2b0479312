package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"wayfare/api/internal/app"
	"wayfare/api/internal/auth"
	"wayfare/api/internal/collab"
	"wayfare/api/internal/config"
	"wayfare/api/internal/hub"
)

const testSecret = "test-secret"

// pollRecorder is a plain HTTP endpoint with no push support: the websocket
// route 404s, so sessions against it must fall back to polling. Every
// collaboration POST body is recorded and answered with the configured
// snapshot.
type pollRecorder struct {
	mu       sync.Mutex
	bodies   []string
	snapshot collab.Snapshot
}

func newPollRecorder() *pollRecorder {
	return &pollRecorder{snapshot: collab.EmptySnapshot()}
}

func (p *pollRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/collaboration") {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.bodies = append(p.bodies, string(body))
	snapshot := p.snapshot
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (p *pollRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}

func (p *pollRecorder) body(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.bodies) {
		return ""
	}
	return p.bodies[i]
}

func (p *pollRecorder) setSnapshot(snapshot collab.Snapshot) {
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newSession(t *testing.T, baseURL string, interval time.Duration) *Session {
	t.Helper()
	session, err := New(Options{
		BaseURL:           baseURL,
		PlanID:            "plan-1",
		UserID:            "user-1",
		UserName:          "Ada",
		HeartbeatInterval: interval,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestFallsBackToPollingWithHeartbeat(t *testing.T) {
	recorder := newPollRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	session := newSession(t, srv.URL, 50*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return recorder.count() >= 1 }) {
		t.Fatal("no poll arrived after push failure")
	}
	if body := recorder.body(0); !strings.Contains(body, `"action":"heartbeat"`) {
		t.Errorf("first poll body = %q, want a heartbeat action", body)
	}
	if !waitFor(t, time.Second, func() bool { return session.State() == StatePolling }) {
		t.Errorf("State() = %v, want %v", session.State(), StatePolling)
	}
}

func TestPollingContinuesOnInterval(t *testing.T) {
	recorder := newPollRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	session := newSession(t, srv.URL, 30*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return recorder.count() >= 3 }) {
		t.Fatalf("expected repeated polls, got %d", recorder.count())
	}
}

func TestCloseStopsAllNetworkActivity(t *testing.T) {
	recorder := newPollRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	session := newSession(t, srv.URL, 25*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return recorder.count() >= 1 }) {
		t.Fatal("session never polled")
	}
	session.Close()

	if session.State() != StateDisconnected {
		t.Errorf("State() after Close = %v, want %v", session.State(), StateDisconnected)
	}

	// Give any straggler a few intervals to show up. None should.
	settled := recorder.count()
	time.Sleep(150 * time.Millisecond)
	if got := recorder.count(); got != settled {
		t.Errorf("polls continued after Close: %d -> %d", settled, got)
	}
}

func TestStartEditingOneShotWhilePolling(t *testing.T) {
	recorder := newPollRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	session := newSession(t, srv.URL, 50*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return session.State() == StatePolling }) {
		t.Fatal("session never reached polling")
	}

	recorder.setSnapshot(collab.Snapshot{
		ActiveUsers: []collab.PresenceEntry{},
		EditingStates: []collab.EditingLock{
			{PlanID: "plan-1", ElementID: "event-7", UserID: "user-1", ElementType: collab.ElementEvent},
		},
	})
	session.StartEditing("event-7", collab.ElementEvent)

	if !waitFor(t, 2*time.Second, func() bool {
		for i := 0; i < recorder.count(); i++ {
			if strings.Contains(recorder.body(i), `"action":"startEditing"`) {
				return true
			}
		}
		return false
	}) {
		t.Fatal("no startEditing request was sent")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		snapshot := session.Snapshot()
		return len(snapshot.EditingStates) == 1 && snapshot.EditingStates[0].ElementID == "event-7"
	}) {
		t.Errorf("snapshot never picked up the editing lock: %+v", session.Snapshot())
	}
}

// countingHandler wraps the real API handler and counts collaboration POSTs
// so push-preferred tests can assert the polling path stays idle.
type countingHandler struct {
	next  http.Handler
	mu    sync.Mutex
	posts int
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/collaboration") {
		c.mu.Lock()
		c.posts++
		c.mu.Unlock()
	}
	c.next.ServeHTTP(w, r)
}

func (c *countingHandler) postCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posts
}

func newTestStack(t *testing.T) (*httptest.Server, *hub.Registry, *countingHandler) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := collab.NewRedisStore("redis://"+mr.Addr(), 300*time.Second)
	if err != nil {
		t.Fatalf("failed to create collab store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := hub.NewRegistry(store, hub.NewLocalBroadcaster(), time.Hour, time.Hour)
	if err := registry.Start(); err != nil {
		t.Fatalf("registry start: %v", err)
	}
	t.Cleanup(registry.Stop)

	service := app.New(config.Config{TokenSecret: testSecret}, store, nil, nil)
	counting := &countingHandler{next: app.NewHTTPServer(service, registry, "*").Handler()}
	srv := httptest.NewServer(counting)
	t.Cleanup(srv.Close)
	return srv, registry, counting
}

func TestPushPreferredOverPolling(t *testing.T) {
	srv, _, counting := newTestStack(t)

	session := newSession(t, srv.URL, 50*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return session.State() == StatePushActive }) {
		t.Fatalf("State() = %v, want %v", session.State(), StatePushActive)
	}

	// The connection write-through puts the user in the roster; the
	// initial snapshot carries it down the push channel.
	if !waitFor(t, 2*time.Second, func() bool {
		snapshot := session.Snapshot()
		return len(snapshot.ActiveUsers) == 1 && snapshot.ActiveUsers[0].UserID == "user-1"
	}) {
		t.Errorf("snapshot never showed presence: %+v", session.Snapshot())
	}

	session.StartEditing("event-3", collab.ElementEvent)
	if !waitFor(t, 2*time.Second, func() bool {
		snapshot := session.Snapshot()
		return len(snapshot.EditingStates) == 1 && snapshot.EditingStates[0].ElementID == "event-3"
	}) {
		t.Errorf("editing lock never arrived over push: %+v", session.Snapshot())
	}

	if got := counting.postCount(); got != 0 {
		t.Errorf("push-active session made %d polling requests, want 0", got)
	}
}

func TestFallsBackToPollingWhenPushDrops(t *testing.T) {
	srv, registry, counting := newTestStack(t)

	session := newSession(t, srv.URL, 40*time.Millisecond)
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool { return session.State() == StatePushActive }) {
		t.Fatal("session never reached push")
	}

	// Killing the push side simulates a proxy or server restart; the
	// HTTP endpoint stays up, so the session must degrade to polling.
	registry.Stop()

	if !waitFor(t, 3*time.Second, func() bool { return session.State() == StatePolling }) {
		t.Fatalf("State() = %v, want %v after push drop", session.State(), StatePolling)
	}
	if !waitFor(t, 2*time.Second, func() bool { return counting.postCount() >= 1 }) {
		t.Error("no polls after push channel dropped")
	}
}

func TestCloseRacesEditingActionsSafely(t *testing.T) {
	recorder := newPollRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	// Close must be callable at any moment relative to an editing action
	// without ever panicking or leaving work running.
	for i := 0; i < 200; i++ {
		session, err := New(Options{
			BaseURL:           srv.URL,
			PlanID:            "plan-1",
			UserID:            "user-1",
			HeartbeatInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		session.Start()

		var race sync.WaitGroup
		race.Add(2)
		go func() {
			defer race.Done()
			session.StartEditing("event-1", collab.ElementEvent)
		}()
		go func() {
			defer race.Done()
			session.Close()
		}()
		race.Wait()
		session.Close()

		if got := session.State(); got != StateDisconnected {
			t.Fatalf("State() after Close = %v, want %v", got, StateDisconnected)
		}
	}
}

func TestNewRejectsMissingPlan(t *testing.T) {
	if _, err := New(Options{BaseURL: "http://localhost:1"}); err == nil {
		t.Error("expected error for missing plan id")
	}
	if _, err := New(Options{PlanID: "plan-1"}); err == nil {
		t.Error("expected error for missing base url")
	}
}

func TestSnapshotReturnsCopy(t *testing.T) {
	session := newSession(t, "http://localhost:1", time.Hour)

	first := session.Snapshot()
	first.ActiveUsers = append(first.ActiveUsers, collab.PresenceEntry{UserID: "intruder"})
	if got := session.Snapshot(); len(got.ActiveUsers) != 0 {
		t.Errorf("mutating a returned snapshot leaked into the session: %+v", got)
	}
}

func TestPostSendsBearerToken(t *testing.T) {
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub: "user-1", Name: "Ada", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	var (
		mu     sync.Mutex
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		header = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collab.EmptySnapshot())
	}))
	defer srv.Close()

	session, err := New(Options{
		BaseURL:           srv.URL,
		PlanID:            "plan-1",
		UserID:            "user-1",
		Token:             token,
		HeartbeatInterval: 40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer session.Close()
	session.Start()

	if !waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return header != ""
	}) {
		t.Fatal("no authenticated poll arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(header, "Bearer ") {
		t.Errorf("Authorization = %q, want a bearer token", header)
	}
}
