package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/secondchance/internal/approval"
	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/rs/zerolog"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	events   []coordinator.Event
	crisisAt []time.Duration
}

func (f *fakeCoordinator) HandleEvent(_ context.Context, ev coordinator.Event) (policy.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if ev.AppID == "" {
		return policy.Decision{}, errors.New("event app_id is required")
	}
	if ev.AppID == "snap" {
		return policy.Decision{Action: policy.ActionDeny, Source: policy.SourceRestriction, Reason: "app is blocked"}, nil
	}
	return policy.Decision{Action: policy.ActionAllow, Source: policy.SourceRestriction, Remaining: 10 * time.Minute}, nil
}

func (f *fakeCoordinator) EnableCrisisOverride(_ context.Context, d time.Duration, _ string) crisis.Activation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crisisAt = append(f.crisisAt, d)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return crisis.Activation{State: crisis.State{ActivatedAt: at, ExpiresAt: at.Add(30 * time.Minute)}, Recorded: true}
}

type fakeApprovals struct{}

func (fakeApprovals) Decide(_ context.Context, id string, d approval.Decision, minutes int) (*storage.ApprovalRequest, error) {
	if id != "req-1" {
		return nil, approval.ErrUnknownRequest
	}
	until := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return &storage.ApprovalRequest{ID: id, AppID: "snap", Status: storage.ApprovalApproved, GrantedUntil: &until}, nil
}

type fakeRestrictions struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeRestrictions) Invalidate(appID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, appID)
}

type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(raw + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) Message {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !c.scanner.Scan() {
		t.Fatalf("read: %v", c.scanner.Err())
	}
	var msg Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		t.Fatalf("decode %q: %v", c.scanner.Text(), err)
	}
	return msg
}

func startServer(t *testing.T) (*Server, *fakeCoordinator, string) {
	t.Helper()
	srv, coord, _, path := startServerWithRestrictions(t)
	return srv, coord, path
}

func startServerWithRestrictions(t *testing.T) (*Server, *fakeCoordinator, *fakeRestrictions, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "sc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "bridge.sock")

	coord := &fakeCoordinator{}
	restrictions := &fakeRestrictions{}
	srv := NewServer(path, zerolog.Nop())
	srv.Attach(coord, fakeApprovals{}, restrictions)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, coord, restrictions, path
}

func dial(t *testing.T, srv *Server, path string) *testClient {
	t.Helper()
	before := srv.Clients()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Clients() <= before {
		if time.Now().After(deadline) {
			t.Fatal("server never registered the client")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &testClient{conn: conn, scanner: bufio.NewScanner(conn)}
}

// dialPlatform connects and announces the platform role
func dialPlatform(t *testing.T, srv *Server, path string) *testClient {
	t.Helper()
	c := dial(t, srv, path)
	c.send(t, `{"type":"hello","role":"platform"}`)
	if reply := c.recv(t); reply.Type != TypeWelcome || reply.Role != RolePlatform {
		t.Fatalf("unexpected hello reply %+v", reply)
	}
	return c
}

func TestAppEventReturnsDecision(t *testing.T) {
	srv, coord, path := startServer(t)
	c := dial(t, srv, path)

	c.send(t, `{"type":"app_event","id":"1","app_id":"snap","kind":"OPENED","timestamp":"2026-03-02T10:00:00Z"}`)
	reply := c.recv(t)
	if reply.Type != TypeDecision || reply.ID != "1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Action != "DENY" || reply.Reason != "app is blocked" {
		t.Errorf("decision = %+v", reply)
	}

	c.send(t, `{"type":"app_event","id":"2","app_id":"notes","kind":"opened"}`)
	reply = c.recv(t)
	if reply.Action != "ALLOW" || reply.RemainingSeconds != 600 {
		t.Errorf("decision = %+v", reply)
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.events) != 2 || coord.events[0].Kind != coordinator.EventOpened {
		t.Errorf("events = %+v", coord.events)
	}
	if coord.events[0].Timestamp.IsZero() {
		t.Error("timestamp not forwarded")
	}
}

func TestCrisisNeedsNoAuthorization(t *testing.T) {
	srv, coord, path := startServer(t)
	c := dial(t, srv, path)

	c.send(t, `{"type":"crisis","minutes":45}`)
	reply := c.recv(t)
	if reply.Type != TypeCrisisActive || reply.ExpiresAt == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.crisisAt) != 1 || coord.crisisAt[0] != 45*time.Minute {
		t.Errorf("crisis durations = %v", coord.crisisAt)
	}
}

func TestApprovalDecision(t *testing.T) {
	srv, _, path := startServer(t)
	c := dial(t, srv, path)

	c.send(t, `{"type":"approval_decision","request_id":"req-1","decision":"approved","grant_minutes":15}`)
	reply := c.recv(t)
	if reply.Type != TypeApprovalResult || reply.Status != "approved" || reply.ExpiresAt == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}

	c.send(t, `{"type":"approval_decision","request_id":"nope","decision":"deny"}`)
	if reply := c.recv(t); reply.Type != TypeError || reply.RequestID != "nope" {
		t.Errorf("unexpected reply %+v", reply)
	}

	c.send(t, `{"type":"approval_decision","request_id":"req-1","decision":"perhaps"}`)
	if reply := c.recv(t); reply.Type != TypeError {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestMalformedInputKeepsConnection(t *testing.T) {
	srv, _, path := startServer(t)
	c := dial(t, srv, path)

	c.send(t, `{not json`)
	if reply := c.recv(t); reply.Type != TypeError {
		t.Fatalf("unexpected reply %+v", reply)
	}

	c.send(t, `{"type":"app_event","app_id":"x","kind":"paused"}`)
	if reply := c.recv(t); reply.Type != TypeError {
		t.Fatalf("unexpected reply %+v", reply)
	}

	c.send(t, `{"type":"teleport"}`)
	if reply := c.recv(t); reply.Type != TypeError {
		t.Fatalf("unexpected reply %+v", reply)
	}

	c.send(t, `{"type":"ping","id":"p"}`)
	if reply := c.recv(t); reply.Type != TypePong || reply.ID != "p" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestBroadcastToClients(t *testing.T) {
	srv, _, path := startServer(t)
	ctx := context.Background()

	if err := srv.ForceNavigateHome(ctx, "snap"); !errors.Is(err, ErrNoClients) {
		t.Fatalf("expected ErrNoClients, got %v", err)
	}

	a := dialPlatform(t, srv, path)
	b := dialPlatform(t, srv, path)

	if err := srv.ForceNavigateHome(ctx, "snap"); err != nil {
		t.Fatalf("ForceNavigateHome failed: %v", err)
	}
	for _, c := range []*testClient{a, b} {
		if msg := c.recv(t); msg.Type != TypeNavigateHome || msg.AppID != "snap" {
			t.Errorf("unexpected message %+v", msg)
		}
	}

	notice := notify.Notice{Audience: notify.AudienceClient, Kind: "approval_granted", AppID: "snap", Title: "Access approved"}
	if err := srv.Notify(ctx, notice); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	msg := a.recv(t)
	if msg.Type != TypeNotice || msg.Notice == nil || msg.Notice.Kind != "approval_granted" {
		t.Errorf("unexpected message %+v", msg)
	}

	if err := srv.AccessRestored(ctx, "snap"); err != nil {
		t.Fatalf("AccessRestored failed: %v", err)
	}
	if msg := b.recv(t); msg.Type != TypeNotice {
		t.Fatalf("expected queued notice first, got %+v", msg)
	}
	if msg := b.recv(t); msg.Type != TypeAccessRestored || msg.AppID != "snap" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestAppEventMarksPlatform(t *testing.T) {
	srv, _, path := startServer(t)
	c := dial(t, srv, path)

	if n := srv.Platforms(); n != 0 {
		t.Fatalf("Platforms = %d before any event, want 0", n)
	}
	c.send(t, `{"type":"app_event","app_id":"notes","kind":"opened"}`)
	c.recv(t)
	if n := srv.Platforms(); n != 1 {
		t.Errorf("Platforms = %d after app_event, want 1", n)
	}

	c.send(t, `{"type":"hello","role":"robot"}`)
	if reply := c.recv(t); reply.Type != TypeError {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestRestrictionsChangedInvalidatesCache(t *testing.T) {
	srv, _, restrictions, path := startServerWithRestrictions(t)
	c := dial(t, srv, path)

	c.send(t, `{"type":"restrictions_changed","id":"r1","app_id":"chat"}`)
	if reply := c.recv(t); reply.Type != TypeAck || reply.ID != "r1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	c.send(t, `{"type":"restrictions_changed","id":"r2"}`)
	c.recv(t)

	restrictions.mu.Lock()
	defer restrictions.mu.Unlock()
	if len(restrictions.invalidated) != 2 || restrictions.invalidated[0] != "chat" || restrictions.invalidated[1] != "" {
		t.Errorf("invalidated = %q", restrictions.invalidated)
	}
}

func TestToolConnectionsGetNoBroadcasts(t *testing.T) {
	srv, _, path := startServer(t)
	ctx := context.Background()

	client, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	if srv.Clients() != 1 || srv.Platforms() != 0 {
		t.Fatalf("clients=%d platforms=%d, want 1 and 0", srv.Clients(), srv.Platforms())
	}

	// A tool alone is not an observer
	if err := srv.ForceNavigateHome(ctx, "snap"); !errors.Is(err, ErrNoClients) {
		t.Fatalf("expected ErrNoClients with only a tool connected, got %v", err)
	}

	platform := dialPlatform(t, srv, path)
	if err := srv.ForceNavigateHome(ctx, "snap"); err != nil {
		t.Fatalf("ForceNavigateHome failed: %v", err)
	}
	if msg := platform.recv(t); msg.Type != TypeNavigateHome {
		t.Errorf("unexpected platform message %+v", msg)
	}

	reply, err := client.Request(ctx, Message{Type: TypeCrisis})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply.Type != TypeCrisisActive {
		t.Errorf("reply = %+v", reply)
	}

	_, err = client.Request(ctx, Message{Type: TypeApprovalDecision, RequestID: "nope", Decision: "deny"})
	if err == nil {
		t.Error("expected error reply to surface as an error")
	}
}
