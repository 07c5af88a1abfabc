package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/secondchance/internal/config"
	"github.com/goodtune/secondchance/internal/crisis"
	"github.com/goodtune/secondchance/internal/policy"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/goodtune/secondchance/internal/storage/redis"
	"github.com/goodtune/secondchance/internal/usage"
	"github.com/rs/zerolog"
)

// fakeObserver records calls and the order of side effects
type fakeObserver struct {
	mu      sync.Mutex
	home    []string
	tracker *usage.Tracker
	// openAtHome records whether the session was still open when the
	// observer was asked to navigate home
	openAtHome []bool
	restored   []string
	err        error
}

func (f *fakeObserver) AccessRestored(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, appID)
	return nil
}

func (f *fakeObserver) restoredApps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restored...)
}

func (f *fakeObserver) ForceNavigateHome(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.home = append(f.home, appID)
	if f.tracker != nil {
		f.openAtHome = append(f.openAtHome, f.tracker.IsOpen(appID))
	}
	return f.err
}

func (f *fakeObserver) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.home...)
}

var start = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // Monday

type harness struct {
	coord    *Coordinator
	store    *redis.Store
	registry *policy.Registry
	tracker  *usage.Tracker
	override *crisis.Override
	observer *fakeObserver
	denied   chan AccessDenied
	clock    *policy.TestClock
}

func newHarness(t *testing.T, records ...storage.RestrictionRecord) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{Host: mr.Addr(), DialTimeout: "1s", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &policy.TestClock{CurrentTime: start}
	logger := zerolog.Nop()

	registry := policy.NewRegistry(store.Restrictions(), store.Grants(), nil, nil, policy.RegistryConfig{}, logger)
	registry.SetClock(clock)
	for _, rec := range records {
		if _, err := registry.Apply(context.Background(), rec); err != nil {
			t.Fatalf("Apply(%s) failed: %v", rec.AppID, err)
		}
	}

	tracker := usage.NewTracker(store.Usage(), registry, usage.Config{Location: time.UTC}, logger)
	tracker.SetClock(clock)

	override := crisis.New(store.CrisisAudit(), crisis.Config{}, logger)
	override.SetClock(clock)

	observer := &fakeObserver{tracker: tracker}
	denied := make(chan AccessDenied, 16)

	coord := New(registry, tracker, override, observer, denied, Config{Location: time.UTC}, logger)
	coord.SetClock(clock)

	return &harness{
		coord:    coord,
		store:    store,
		registry: registry,
		tracker:  tracker,
		override: override,
		observer: observer,
		denied:   denied,
		clock:    clock,
	}
}

func (h *harness) open(t *testing.T, appID string) policy.Decision {
	t.Helper()
	d, err := h.coord.HandleEvent(context.Background(), Event{AppID: appID, Kind: EventOpened, Timestamp: h.clock.Now()})
	if err != nil {
		t.Fatalf("open %s: %v", appID, err)
	}
	return d
}

func (h *harness) closeApp(t *testing.T, appID string) {
	t.Helper()
	if _, err := h.coord.HandleEvent(context.Background(), Event{AppID: appID, Kind: EventClosed, Timestamp: h.clock.Now()}); err != nil {
		t.Fatalf("close %s: %v", appID, err)
	}
}

func (h *harness) usage(t *testing.T, appID string) *storage.UsageRecord {
	t.Helper()
	rec, err := h.store.Usage().GetDailyUsage(context.Background(), h.tracker.Date(h.clock.Now()), appID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.UsageRecord{AppID: appID}
	}
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	return rec
}

func TestOpenAllowedStartsSession(t *testing.T) {
	h := newHarness(t)

	d := h.open(t, "notes")
	if !d.Allowed() || d.Source != policy.SourceDefault {
		t.Fatalf("expected default allow, got %+v", d)
	}
	if !h.tracker.IsOpen("notes") {
		t.Error("expected an open session")
	}
	if got := h.coord.ForegroundApps(); len(got) != 1 || got[0] != "notes" {
		t.Errorf("ForegroundApps = %v", got)
	}
	if rec := h.usage(t, "notes"); rec.Launches != 1 {
		t.Errorf("launches = %d, want 1", rec.Launches)
	}
	if len(h.observer.calls()) != 0 {
		t.Error("allowed app must not be sent home")
	}
}

func TestOpenBlockedDenies(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})

	d := h.open(t, "snap")
	if d.Allowed() {
		t.Fatalf("expected deny, got %+v", d)
	}

	if calls := h.observer.calls(); len(calls) != 1 || calls[0] != "snap" {
		t.Errorf("navigate home calls = %v", calls)
	}
	if h.tracker.IsOpen("snap") {
		t.Error("denied app must not have an open session")
	}
	rec := h.usage(t, "snap")
	if rec.Violations != 1 || rec.Launches != 0 {
		t.Errorf("violations=%d launches=%d, want 1/0", rec.Violations, rec.Launches)
	}
	if len(h.coord.ForegroundApps()) != 0 {
		t.Error("denied app must not be foreground")
	}

	if len(h.denied) != 1 {
		t.Fatalf("expected exactly one AccessDenied, got %d", len(h.denied))
	}
	ev := <-h.denied
	if ev.AppID != "snap" || ev.Reason != d.Reason {
		t.Errorf("AccessDenied = %+v", ev)
	}
}

func TestReevaluateEndsSessionAtDailyLimit(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "video", Type: "timed", DailyLimitMinutes: 30})
	ctx := context.Background()

	if d := h.open(t, "video"); !d.Allowed() {
		t.Fatalf("expected allow, got %+v", d)
	}

	h.clock.CurrentTime = start.Add(29 * time.Minute)
	if n := h.coord.Reevaluate(ctx); n != 0 {
		t.Fatalf("denied %d apps before the limit", n)
	}

	h.clock.CurrentTime = start.Add(30 * time.Minute)
	if n := h.coord.Reevaluate(ctx); n != 1 {
		t.Fatalf("expected one denial at the limit, got %d", n)
	}

	// The observer was told to go home before the session was recorded
	if open := h.observer.openAtHome; len(open) != 1 || !open[0] {
		t.Errorf("session state at navigate home = %v, want [true]", open)
	}
	if h.tracker.IsOpen("video") {
		t.Error("session should be closed")
	}

	rec := h.usage(t, "video")
	if rec.TotalSeconds != 1800 {
		t.Errorf("total = %ds, want 1800", rec.TotalSeconds)
	}
	if rec.Violations != 1 {
		t.Errorf("violations = %d, want 1", rec.Violations)
	}
	if len(h.denied) != 1 {
		t.Errorf("expected one AccessDenied, got %d", len(h.denied))
	}

	// Nothing foreground, so the next tick is a no-op
	if n := h.coord.Reevaluate(ctx); n != 0 {
		t.Errorf("second pass denied %d apps", n)
	}

	// Reopening the same day is denied
	h.clock.CurrentTime = start.Add(45 * time.Minute)
	if d := h.open(t, "video"); d.Allowed() {
		t.Errorf("expected deny after daily limit, got %+v", d)
	}
}

func TestAppSwitchBackgroundsPrevious(t *testing.T) {
	h := newHarness(t)

	h.open(t, "notes")
	h.clock.CurrentTime = start.Add(10 * time.Minute)
	h.open(t, "music")

	if h.tracker.IsOpen("notes") {
		t.Error("previous foreground app should have been closed")
	}
	if got := h.coord.ForegroundApps(); len(got) != 1 || got[0] != "music" {
		t.Errorf("ForegroundApps = %v, want [music]", got)
	}
	if rec := h.usage(t, "notes"); rec.TotalSeconds != 600 {
		t.Errorf("notes total = %ds, want 600", rec.TotalSeconds)
	}

	h.clock.CurrentTime = start.Add(15 * time.Minute)
	h.closeApp(t, "music")
	if len(h.coord.ForegroundApps()) != 0 {
		t.Error("expected nothing in the foreground")
	}
	if rec := h.usage(t, "music"); rec.TotalSeconds != 300 {
		t.Errorf("music total = %ds, want 300", rec.TotalSeconds)
	}
}

func TestCrisisOverrideAllowsBlocked(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})
	ctx := context.Background()

	act := h.coord.EnableCrisisOverride(ctx, 30*time.Minute, "test")
	if !act.Recorded {
		t.Fatal("expected activation to be recorded")
	}

	if d := h.open(t, "snap"); !d.Allowed() || d.Source != policy.SourceCrisis {
		t.Fatalf("expected crisis allow, got %+v", d)
	}

	// Once the window lapses the poll sends the app home
	h.clock.CurrentTime = start.Add(31 * time.Minute)
	if n := h.coord.Reevaluate(ctx); n != 1 {
		t.Errorf("expected the blocked app to be denied after crisis expiry, got %d", n)
	}
}

func TestCrisisOverrideRestoresLastDenied(t *testing.T) {
	h := newHarness(t,
		storage.RestrictionRecord{AppID: "snap", Type: "blocked"},
		storage.RestrictionRecord{AppID: "game", Type: "blocked"},
	)
	ctx := context.Background()

	h.open(t, "game")
	if d := h.open(t, "snap"); d.Allowed() {
		t.Fatalf("expected snap to be denied, got %+v", d)
	}
	if got := h.coord.LastDenied(); got != "snap" {
		t.Fatalf("LastDenied = %q, want snap", got)
	}

	h.coord.EnableCrisisOverride(ctx, 30*time.Minute, "test")

	if got := h.observer.restoredApps(); len(got) != 1 || got[0] != "snap" {
		t.Errorf("expected snap to be reported reopenable, got %v", got)
	}
	if got := h.coord.LastDenied(); got != "" {
		t.Errorf("LastDenied = %q after restore, want empty", got)
	}
}

func TestAllowedOpenClearsLastDenied(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})
	ctx := context.Background()

	h.open(t, "snap")
	h.open(t, "notes")
	if got := h.coord.LastDenied(); got != "" {
		t.Fatalf("LastDenied = %q, want empty after an allowed open", got)
	}

	h.coord.EnableCrisisOverride(ctx, 30*time.Minute, "test")
	if got := h.observer.restoredApps(); len(got) != 0 {
		t.Errorf("expected nothing restored, got %v", got)
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})

	d := h.coord.Check(context.Background(), "snap")
	if d.Allowed() {
		t.Fatalf("expected deny, got %+v", d)
	}
	if len(h.observer.calls()) != 0 || len(h.denied) != 0 {
		t.Error("Check must not act on the decision")
	}
	if rec := h.usage(t, "snap"); rec.Violations != 0 {
		t.Errorf("violations = %d, want 0", rec.Violations)
	}
}

func TestDeniedQueueFullDoesNotBlock(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})
	h.denied = make(chan AccessDenied) // unbuffered, nobody reading
	h.coord.denied = h.denied

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.coord.HandleEvent(context.Background(), Event{AppID: "snap", Kind: EventOpened})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deny blocked on a full approval queue")
	}
}

func TestObserverFailureStillRecordsDenial(t *testing.T) {
	h := newHarness(t, storage.RestrictionRecord{AppID: "snap", Type: "blocked"})
	h.observer.err = errors.New("accessibility service gone")

	if d := h.open(t, "snap"); d.Allowed() {
		t.Fatalf("expected deny, got %+v", d)
	}
	if rec := h.usage(t, "snap"); rec.Violations != 1 {
		t.Errorf("violations = %d, want 1", rec.Violations)
	}
	if len(h.denied) != 1 {
		t.Errorf("expected one AccessDenied, got %d", len(h.denied))
	}
}

func TestHandleEventValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.HandleEvent(ctx, Event{Kind: EventOpened}); err == nil {
		t.Error("expected error for missing app_id")
	}
	if _, err := h.coord.HandleEvent(ctx, Event{AppID: "x", Kind: "paused"}); err == nil {
		t.Error("expected error for unknown kind")
	}

	// Closing an app that was never opened is harmless
	h.closeApp(t, "never-opened")
}

func TestEventKindUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    EventKind
		wantErr bool
	}{
		{in: `"opened"`, want: EventOpened},
		{in: `"CLOSED"`, want: EventClosed},
		{in: `"paused"`, wantErr: true},
	}

	for _, tt := range tests {
		var k EventKind
		err := json.Unmarshal([]byte(tt.in), &k)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) error = %v", tt.in, err)
			continue
		}
		if k != tt.want {
			t.Errorf("Unmarshal(%s) = %s, want %s", tt.in, k, tt.want)
		}
	}
}
