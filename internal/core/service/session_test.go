package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/channel"
	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/geo"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type memSub struct {
	ch   chan domain.TrackingUpdate
	done chan struct{}
	once sync.Once
}

func (s *memSub) Updates() <-chan domain.TrackingUpdate { return s.ch }
func (s *memSub) Err() error                            { return nil }
func (s *memSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// memTransport is an always-up backend that keeps every accepted write.
type memTransport struct {
	mu        sync.Mutex
	published []domain.TrackingUpdate
	subs      []*memSub
}

func (m *memTransport) Publish(_ context.Context, _ string, u domain.TrackingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, u)
	m.fanLocked(u)
	return nil
}

func (m *memTransport) Subscribe(_ context.Context, _ string) (ports.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSub{ch: make(chan domain.TrackingUpdate, 64), done: make(chan struct{})}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *memTransport) inject(u domain.TrackingUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanLocked(u)
}

func (m *memTransport) fanLocked(u domain.TrackingUpdate) {
	for _, s := range m.subs {
		select {
		case <-s.done:
		case s.ch <- u:
		}
	}
}

func (m *memTransport) statuses() []domain.TrackingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TrackingStatus, len(m.published))
	for i, u := range m.published {
		out[i] = u.Status
	}
	return out
}

func (m *memTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *memTransport) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type stubStream struct {
	ch      chan domain.Coordinate
	once    sync.Once
	cancels atomic.Int32
}

func newStubStream() *stubStream {
	return &stubStream{ch: make(chan domain.Coordinate, 8)}
}

func (s *stubStream) Fixes() <-chan domain.Coordinate { return s.ch }
func (s *stubStream) Cancel() {
	s.cancels.Add(1)
	s.once.Do(func() { close(s.ch) })
}

type stubSource struct {
	granted     bool
	requestErr  error
	fix         domain.Coordinate
	fixErr      error
	streamErr   error
	stream      *stubStream
	streamCalls atomic.Int32
}

func (s *stubSource) CheckPermission(context.Context) (ports.PermissionStatus, error) {
	return ports.PermissionStatus{Granted: s.granted}, nil
}

func (s *stubSource) RequestPermission(context.Context) (ports.PermissionGrant, error) {
	if s.requestErr != nil {
		return ports.PermissionGrant{}, s.requestErr
	}
	return ports.PermissionGrant{Foreground: true}, nil
}

func (s *stubSource) CurrentFix(context.Context, time.Duration) (domain.Coordinate, error) {
	return s.fix, s.fixErr
}

func (s *stubSource) StreamFixes(context.Context, ports.StreamOptions) (ports.FixStream, error) {
	s.streamCalls.Add(1)
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return s.stream, nil
}

type notice struct {
	role domain.Role
	t    domain.Transition
}

type stubNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *stubNotifier) Dispatch(_ context.Context, role domain.Role, t domain.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{role, t})
	return nil
}

func (n *stubNotifier) transitions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notices))
	for i, x := range n.notices {
		out[i] = string(x.t.From) + ">" + string(x.t.To)
	}
	return out
}

func (n *stubNotifier) roles() []domain.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Role, len(n.notices))
	for i, x := range n.notices {
		out[i] = x.role
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	pickup   = domain.Point(19.4326, -99.1332)
	delivery = domain.Point(19.4000, -99.1700)
	trip     = domain.TripReference{TripID: "trip-42", DriverID: "driver-7", Pickup: pickup, Delivery: delivery}
)

// towards returns the point at meters from target on the line towards from.
func towards(target, from domain.Coordinate, meters float64) domain.Coordinate {
	return geo.Destination(target, geo.BearingDegrees(target, from), meters)
}

func grantedSource() *stubSource {
	return &stubSource{granted: true, fix: pickup, stream: newStubStream()}
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.FlushTimeout = 500 * time.Millisecond
	cfg.Channel = channel.Options{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	return cfg
}

type harness struct {
	session   *Session
	transport *memTransport
	notifier  *stubNotifier
	closed    atomic.Int32
}

func startSession(t *testing.T, role domain.Role, src ports.PositionSource, cfg SessionConfig) *harness {
	t.Helper()
	h := &harness{transport: &memTransport{}, notifier: &stubNotifier{}}
	deps := sessionDeps{
		source:    src,
		transport: h.transport,
		notifier:  h.notifier,
		onClose:   func(*Session) { h.closed.Add(1) },
	}
	h.session = newSession(trip, role, cfg, deps, zerolog.Nop())
	if err := h.session.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.session.Stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func snapshotSeq(s *Session) uint64 {
	if u := s.CurrentSnapshot(); u != nil {
		return u.Sequence
	}
	return 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Driver sessions
// ---------------------------------------------------------------------------

func TestSession_DeliveryScenario(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())
	s := h.session

	if got := s.CurrentSnapshot(); got == nil || got.Status != domain.StatusAtPickup {
		t.Fatalf("after initial fix snapshot = %+v, want at_pickup", got)
	}

	src.stream.ch <- geo.Destination(pickup, 90, 50)
	waitFor(t, "t1", func() bool { return snapshotSeq(s) == 2 })

	if _, err := s.Command(domain.CommandLoaded); err != nil {
		t.Fatalf("Command(loaded): %v", err)
	}

	src.stream.ch <- towards(delivery, pickup, 900)
	waitFor(t, "t2", func() bool { return snapshotSeq(s) == 4 })
	if got := s.CurrentSnapshot().Status; got != domain.StatusLoaded {
		t.Fatalf("at 900 m status = %s, want loaded", got)
	}

	src.stream.ch <- towards(delivery, pickup, 50)
	waitFor(t, "t3", func() bool { return snapshotSeq(s) == 6 })

	wantPublished := []string{"at_pickup", "at_pickup", "loaded", "loaded", "nearby", "at_delivery"}
	waitFor(t, "backend writes", func() bool { return h.transport.count() == len(wantPublished) })
	var got []string
	for _, st := range h.transport.statuses() {
		got = append(got, string(st))
	}
	if !equalStrings(got, wantPublished) {
		t.Errorf("published statuses = %v, want %v", got, wantPublished)
	}

	wantTransitions := []string{
		"assigned>at_pickup",
		"at_pickup>loaded",
		"loaded>nearby",
		"nearby>at_delivery",
	}
	if got := h.notifier.transitions(); !equalStrings(got, wantTransitions) {
		t.Errorf("transitions = %v, want %v", got, wantTransitions)
	}

	final := s.CurrentSnapshot()
	if final.DistanceRemainingMeters > 51 {
		t.Errorf("distance remaining = %.1f m, want ~50", final.DistanceRemainingMeters)
	}
}

func TestSession_DeliveredCommandStopsSession(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())
	s := h.session

	for _, cmd := range []domain.Command{domain.CommandLoaded, domain.CommandDepart} {
		if _, err := s.Command(cmd); err != nil {
			t.Fatalf("Command(%s): %v", cmd, err)
		}
	}
	src.stream.ch <- towards(delivery, pickup, 20)
	waitFor(t, "at_delivery", func() bool {
		u := s.CurrentSnapshot()
		return u != nil && u.Status == domain.StatusAtDelivery
	})

	u, err := s.Command(domain.CommandDelivered)
	if err != nil {
		t.Fatalf("Command(delivered): %v", err)
	}
	if u.Status != domain.StatusDelivered || u.ETASeconds != 0 {
		t.Errorf("delivered update = %+v", u)
	}
	if got := h.closed.Load(); got != 1 {
		t.Errorf("onClose calls = %d, want 1", got)
	}
	if got := src.stream.cancels.Load(); got != 1 {
		t.Errorf("stream cancels = %d, want 1", got)
	}
	statuses := h.transport.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != domain.StatusDelivered {
		t.Errorf("last published = %v, want delivered flushed before teardown", statuses)
	}
	if _, err := s.Command(domain.CommandCancel); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("command after stop = %v, want ErrSessionClosed", err)
	}
}

// slowTransport takes delay per publish and gives up when ctx ends.
type slowTransport struct {
	*memTransport
	delay time.Duration
}

func (s slowTransport) Publish(ctx context.Context, topic string, u domain.TrackingUpdate) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.memTransport.Publish(ctx, topic, u)
}

func TestSession_TerminalCommandFlushesBeforeTeardown(t *testing.T) {
	backend := &memTransport{}
	cfg := testConfig()
	cfg.FlushTimeout = 2 * time.Second

	s := newSession(trip, domain.RoleDriver, cfg, sessionDeps{
		source:    grantedSource(),
		transport: slowTransport{memTransport: backend, delay: 20 * time.Millisecond},
		notifier:  &stubNotifier{},
	}, zerolog.Nop())
	if err := s.start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	began := time.Now()
	if _, err := s.Command(domain.CommandCancel); err != nil {
		t.Fatalf("Command(cancel): %v", err)
	}
	if took := time.Since(began); took > time.Second {
		t.Errorf("teardown took %s, want the flush to finish well inside its budget", took)
	}

	statuses := backend.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != domain.StatusCancelled {
		t.Fatalf("backend received %v, want cancelled last", statuses)
	}
}

func TestSession_CascadeStepsShareMeasurement(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())
	s := h.session

	for _, cmd := range []domain.Command{domain.CommandLoaded, domain.CommandDepart} {
		if _, err := s.Command(cmd); err != nil {
			t.Fatalf("Command(%s): %v", cmd, err)
		}
	}
	fix := towards(delivery, pickup, 40)
	src.stream.ch <- fix
	waitFor(t, "at_delivery", func() bool {
		u := s.CurrentSnapshot()
		return u != nil && u.Status == domain.StatusAtDelivery
	})

	waitFor(t, "cascade writes", func() bool { return h.transport.count() == 5 })
	h.transport.mu.Lock()
	published := append([]domain.TrackingUpdate(nil), h.transport.published...)
	h.transport.mu.Unlock()

	var cascade []domain.TrackingUpdate
	for _, u := range published {
		if u.Status == domain.StatusNearby || u.Status == domain.StatusAtDelivery {
			cascade = append(cascade, u)
		}
	}
	if len(cascade) != 2 {
		t.Fatalf("cascade updates = %d, want nearby and at_delivery", len(cascade))
	}
	want := geo.DistanceMeters(fix, delivery)
	for _, u := range cascade {
		if math.Abs(u.DistanceRemainingMeters-want) > 0.5 || u.ETASeconds != cascade[0].ETASeconds {
			t.Errorf("%s: distance %.1f eta %d, want %.1f and shared eta", u.Status, u.DistanceRemainingMeters, u.ETASeconds, want)
		}
	}
}

func TestSession_IllegalCommandIsRejected(t *testing.T) {
	src := grantedSource()
	src.fix = geo.Destination(pickup, 0, 2000)
	h := startSession(t, domain.RoleDriver, src, testConfig())
	before := snapshotSeq(h.session)

	_, err := h.session.Command(domain.CommandDelivered)
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("error = %v, want ErrIllegalTransition", err)
	}
	if got := snapshotSeq(h.session); got != before {
		t.Errorf("sequence moved from %d to %d on rejected command", before, got)
	}
	if got := h.session.CurrentSnapshot().Status; got != domain.StatusEnRoutePickup {
		t.Errorf("status = %s, want en_route_pickup", got)
	}
}

func TestSession_StopTwiceIsNoop(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())

	h.session.Stop()
	h.session.Stop()

	if got := h.closed.Load(); got != 1 {
		t.Errorf("onClose calls = %d, want 1", got)
	}
	if got := src.stream.cancels.Load(); got != 1 {
		t.Errorf("stream cancels = %d, want 1", got)
	}
}

func TestSession_NoUpdatesAfterStop(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())
	h.session.Stop()

	before := snapshotSeq(h.session)
	h.session.processFix(geo.Destination(pickup, 0, 300), false)
	if got := snapshotSeq(h.session); got != before {
		t.Errorf("sequence moved after stop: %d -> %d", before, got)
	}
}

func TestSession_PermissionDeniedFallsBackToPickup(t *testing.T) {
	src := &stubSource{granted: false, requestErr: domain.ErrPermissionDenied, stream: newStubStream()}
	h := startSession(t, domain.RoleDriver, src, testConfig())

	u := h.session.CurrentSnapshot()
	if u == nil {
		t.Fatal("expected placeholder snapshot")
	}
	if !u.Placeholder {
		t.Error("snapshot not marked as placeholder")
	}
	if u.Position.Latitude != pickup.Latitude || u.Position.Longitude != pickup.Longitude {
		t.Errorf("placeholder position = %v, want pickup %v", u.Position, pickup)
	}
	if u.Status != domain.StatusAssigned {
		t.Errorf("status = %s, want assigned (placeholder never drives the engine)", u.Status)
	}
	if !h.session.Info().PermissionDenied {
		t.Error("Info().PermissionDenied = false")
	}
	if got := src.streamCalls.Load(); got != 0 {
		t.Errorf("StreamFixes called %d times after denial", got)
	}
	if got := h.notifier.transitions(); len(got) != 0 {
		t.Errorf("unexpected transitions %v", got)
	}
}

func TestSession_FixTimeoutUsesPlaceholderThenStream(t *testing.T) {
	src := grantedSource()
	src.fixErr = domain.ErrFixUnavailable
	h := startSession(t, domain.RoleDriver, src, testConfig())

	if u := h.session.CurrentSnapshot(); u == nil || !u.Placeholder {
		t.Fatalf("snapshot = %+v, want placeholder", u)
	}

	src.stream.ch <- pickup
	waitFor(t, "live fix", func() bool {
		u := h.session.CurrentSnapshot()
		return u != nil && !u.Placeholder && u.Status == domain.StatusAtPickup
	})
}

func TestSession_InvalidFixIsDiscarded(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())
	before := snapshotSeq(h.session)

	h.session.processFix(domain.Point(math.NaN(), 10), false)
	h.session.processFix(domain.Point(95, 10), false)

	if got := snapshotSeq(h.session); got != before {
		t.Errorf("sequence moved on invalid fixes: %d -> %d", before, got)
	}
	if got := h.session.CurrentSnapshot().Status; got != domain.StatusAtPickup {
		t.Errorf("status = %s, want at_pickup retained", got)
	}
}

func TestSession_TransitionsModeSkipsUnchangedFixes(t *testing.T) {
	cfg := testConfig()
	cfg.PublishMode = PublishTransitions
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, cfg)
	before := snapshotSeq(h.session)

	h.session.processFix(geo.Destination(pickup, 180, 30), false)
	if got := snapshotSeq(h.session); got != before {
		t.Errorf("unchanged fix produced an update (seq %d -> %d)", before, got)
	}
}

func TestSession_SubscribeGetsSnapshotFirst(t *testing.T) {
	src := grantedSource()
	h := startSession(t, domain.RoleDriver, src, testConfig())

	events, cancel := h.session.Subscribe()
	defer cancel()

	select {
	case ev := <-events:
		if ev.Update == nil || ev.Update.Sequence != 1 {
			t.Fatalf("first event = %+v, want snapshot seq 1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial event")
	}

	src.stream.ch <- geo.Destination(pickup, 0, 40)
	select {
	case ev := <-events:
		if ev.Update == nil || ev.Update.Sequence != 2 {
			t.Fatalf("next event = %+v, want seq 2", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

// ---------------------------------------------------------------------------
// Customer sessions
// ---------------------------------------------------------------------------

func TestSession_CustomerMirrorsBackend(t *testing.T) {
	h := startSession(t, domain.RoleCustomer, nil, testConfig())
	waitFor(t, "subscription", func() bool { return h.transport.subscribers() == 1 })

	mk := func(seq uint64, st domain.TrackingStatus) domain.TrackingUpdate {
		return domain.TrackingUpdate{TripID: trip.TripID, DriverID: trip.DriverID, Position: pickup, Status: st, Sequence: seq}
	}
	h.transport.inject(mk(1, domain.StatusEnRouteDelivery))
	h.transport.inject(mk(2, domain.StatusEnRouteDelivery))
	h.transport.inject(mk(3, domain.StatusNearby))

	waitFor(t, "mirror", func() bool { return snapshotSeq(h.session) == 3 })

	if got := h.notifier.transitions(); !equalStrings(got, []string{"en_route_delivery>nearby"}) {
		t.Errorf("transitions = %v", got)
	}
	for _, r := range h.notifier.roles() {
		if r != domain.RoleCustomer {
			t.Errorf("notification role = %s, want customer", r)
		}
	}
	if h.transport.count() != 0 {
		t.Error("customer session published to the backend")
	}
	if _, err := h.session.Command(domain.CommandCancel); !errors.Is(err, domain.ErrNotDriving) {
		t.Errorf("customer command = %v, want ErrNotDriving", err)
	}
}

func TestSession_CustomerStopsOnTerminalUpdate(t *testing.T) {
	h := startSession(t, domain.RoleCustomer, nil, testConfig())
	waitFor(t, "subscription", func() bool { return h.transport.subscribers() == 1 })

	h.transport.inject(domain.TrackingUpdate{TripID: trip.TripID, Position: delivery, Status: domain.StatusAtDelivery, Sequence: 8})
	h.transport.inject(domain.TrackingUpdate{TripID: trip.TripID, Position: delivery, Status: domain.StatusDelivered, Sequence: 9})

	waitFor(t, "auto stop", func() bool { return h.closed.Load() == 1 })
	if got := h.session.CurrentSnapshot().Status; got != domain.StatusDelivered {
		t.Errorf("final status = %s, want delivered", got)
	}
}
