package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dogwalk-tracking/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type captureWriter struct {
	mu         sync.Mutex
	points     []LocationPoint
	events     []GeofenceEvent
	flushCount int
	flushErr   error
}

func (w *captureWriter) Append(p LocationPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *captureWriter) AppendEvent(ev GeofenceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
}

func (w *captureWriter) Flush(_ context.Context, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushCount++
	return w.flushErr
}

type capturePublisher struct {
	mu     sync.Mutex
	frames map[string][][]byte
	finals map[string][][]byte
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{frames: map[string][][]byte{}, finals: map[string][][]byte{}}
}

func (p *capturePublisher) Broadcast(sessionID string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[sessionID] = append(p.frames[sessionID], payload)
}

func (p *capturePublisher) CloseSession(sessionID string, final []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finals[sessionID] = append(p.finals[sessionID], final)
}

func testOptions() Options {
	return Options{
		ClockSkewTolerance: 10 * time.Second,
		RouteWindow:        5 * time.Minute,
		RouteMaxPoints:     300,
		SessionGracePeriod: time.Minute,
	}
}

func testFence() Geofence {
	return Geofence{Kind: GeofenceCircle, CenterLat: 0, CenterLng: 0, RadiusM: 100}
}

func testPoint(sessionID string, lat, lng float64, ts time.Time) LocationPoint {
	return LocationPoint{
		ID:        "p-" + ts.Format("150405.000"),
		SessionID: sessionID,
		Latitude:  lat,
		Longitude: lng,
		AccuracyM: 5,
		Timestamp: ts,
	}
}

func newTestRegistry(w *captureWriter, p *capturePublisher, opts Options) *Registry {
	return NewRegistry(opts, w, p, zerolog.Nop())
}

func TestAcceptRequiresActiveSession(t *testing.T) {
	w := &captureWriter{}
	pub := newCapturePublisher()
	reg := newTestRegistry(w, pub, testOptions())
	defer reg.Close()

	now := time.Now().UTC()

	if err := reg.Accept("missing", testPoint("missing", 0, 0, now)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := reg.CreateSession("s1", testFence()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Accept("s1", testPoint("s1", 0, 0, now)); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for pending session, got %v", err)
	}

	if err := reg.StartSession("s1", Geofence{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Accept("s1", testPoint("s1", 0, 0, now)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := reg.EndSession("s1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := reg.Accept("s1", testPoint("s1", 0, 0, now.Add(time.Second))); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive for ended session, got %v", err)
	}

	if len(w.points) != 1 {
		t.Fatalf("expected exactly one written point, got %d", len(w.points))
	}
}

func TestAcceptRejectsStalePoints(t *testing.T) {
	w := &captureWriter{}
	pub := newCapturePublisher()
	reg := newTestRegistry(w, pub, testOptions())
	defer reg.Close()

	now := time.Now().UTC()
	if err := reg.StartSession("s1", testFence()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Accept("s1", testPoint("s1", 0, 0, now)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Beyond the tolerance: rejected, nothing mutated.
	if err := reg.Accept("s1", testPoint("s1", 0, 0, now.Add(-30*time.Second))); !errors.Is(err, ErrStalePoint) {
		t.Fatalf("expected ErrStalePoint, got %v", err)
	}

	// Behind lastPoint but within tolerance: accepted for persistence,
	// excluded from the route window.
	if err := reg.Accept("s1", testPoint("s1", 0, 0.0001, now.Add(-time.Second))); err != nil {
		t.Fatalf("tolerated point: %v", err)
	}

	route, err := reg.Route("s1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(route) != 1 {
		t.Fatalf("expected single route point, got %d", len(route))
	}
	view, _ := reg.View("s1")
	if !view.LastPoint.Timestamp.Equal(now) {
		t.Fatalf("lastPoint must not move backwards")
	}
	if len(w.points) != 2 {
		t.Fatalf("expected both accepted points written, got %d", len(w.points))
	}
}

func TestRouteTimestampsNonDecreasing(t *testing.T) {
	w := &captureWriter{}
	reg := newTestRegistry(w, newCapturePublisher(), testOptions())
	defer reg.Close()

	now := time.Now().UTC()
	_ = reg.StartSession("s1", testFence())

	offsets := []time.Duration{0, time.Second, time.Second, -500 * time.Millisecond, 2 * time.Second, 3 * time.Second}
	for _, off := range offsets {
		_ = reg.Accept("s1", testPoint("s1", 0, 0, now.Add(off)))
	}

	route, _ := reg.Route("s1")
	for i := 1; i < len(route); i++ {
		if route[i].Timestamp.Before(route[i-1].Timestamp) {
			t.Fatalf("route timestamps decreased at %d", i)
		}
	}
}

func TestRouteWindowBounded(t *testing.T) {
	opts := testOptions()
	opts.RouteMaxPoints = 5
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), opts)
	defer reg.Close()

	now := time.Now().UTC().Add(-time.Minute)
	_ = reg.StartSession("s1", testFence())
	for i := 0; i < 10; i++ {
		if err := reg.Accept("s1", testPoint("s1", 0, 0, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	route, _ := reg.Route("s1")
	if len(route) != 5 {
		t.Fatalf("expected 5 retained points, got %d", len(route))
	}
	if !route[0].Timestamp.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected oldest retained point to be the 6th")
	}
}

func TestRouteWindowPrunesByTime(t *testing.T) {
	opts := testOptions()
	opts.RouteWindow = time.Minute
	opts.ClockSkewTolerance = time.Hour
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), opts)
	defer reg.Close()

	base := time.Now().UTC().Add(-10 * time.Minute)
	_ = reg.StartSession("s1", testFence())
	_ = reg.Accept("s1", testPoint("s1", 0, 0, base))
	_ = reg.Accept("s1", testPoint("s1", 0, 0, base.Add(30*time.Second)))
	_ = reg.Accept("s1", testPoint("s1", 0, 0, base.Add(5*time.Minute)))

	route, _ := reg.Route("s1")
	if len(route) != 1 {
		t.Fatalf("expected only the fresh point, got %d", len(route))
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	w := &captureWriter{}
	pub := newCapturePublisher()
	reg := newTestRegistry(w, pub, testOptions())
	defer reg.Close()

	_ = reg.StartSession("s1", testFence())

	if err := reg.EndSession("s1"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := reg.EndSession("s1"); err != nil {
		t.Fatalf("second end must be a no-op, got %v", err)
	}

	if w.flushCount != 1 {
		t.Fatalf("expected exactly one flush, got %d", w.flushCount)
	}
	if len(pub.finals["s1"]) != 1 {
		t.Fatalf("expected one final frame, got %d", len(pub.finals["s1"]))
	}

	var f frame
	if err := json.Unmarshal(pub.finals["s1"][0], &f); err != nil || f.Type != "ended" {
		t.Fatalf("expected ended frame, got %s", pub.finals["s1"][0])
	}

	view, err := reg.View("s1")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.State != StateEnded || view.EndedAt == nil {
		t.Fatalf("expected ended state with timestamp")
	}
}

func TestEndSessionSurvivesFlushFailure(t *testing.T) {
	w := &captureWriter{flushErr: errors.New("store down")}
	reg := newTestRegistry(w, newCapturePublisher(), testOptions())
	defer reg.Close()

	_ = reg.StartSession("s1", testFence())
	if err := reg.EndSession("s1"); err != nil {
		t.Fatalf("end must not surface flush failure, got %v", err)
	}
	view, _ := reg.View("s1")
	if view.State != StateEnded {
		t.Fatalf("session must end despite flush failure")
	}
}

func TestStartSessionMonotonic(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	_ = reg.StartSession("s1", testFence())
	_ = reg.EndSession("s1")

	if err := reg.StartSession("s1", testFence()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded on restart, got %v", err)
	}
	if err := reg.CreateSession("s1", testFence()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded on recreate, got %v", err)
	}

	// Starting an already-active session is a duplicate signal, not an error.
	_ = reg.StartSession("s2", testFence())
	if err := reg.StartSession("s2", testFence()); err != nil {
		t.Fatalf("duplicate start: %v", err)
	}
}

func TestCreateSessionValidatesGeofence(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	bad := Geofence{Kind: GeofenceCircle, RadiusM: -1}
	if err := reg.CreateSession("s1", bad); !errors.Is(err, ErrInvalidGeofence) {
		t.Fatalf("expected ErrInvalidGeofence, got %v", err)
	}
	if err := reg.StartSession("s1", bad); !errors.Is(err, ErrInvalidGeofence) {
		t.Fatalf("expected ErrInvalidGeofence on start, got %v", err)
	}
}

func TestSubscribeSnapshot(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	if _, err := reg.Subscribe("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	_ = reg.StartSession("s1", testFence())
	snap, err := reg.Subscribe("s1")
	if err != nil || snap != nil {
		t.Fatalf("expected empty snapshot before points, got %v %v", snap, err)
	}

	now := time.Now().UTC()
	_ = reg.Accept("s1", testPoint("s1", 1, 2, now))
	snap, err = reg.Subscribe("s1")
	if err != nil || snap == nil || snap.Latitude != 1 || snap.Longitude != 2 {
		t.Fatalf("expected lastPoint snapshot, got %+v %v", snap, err)
	}

	_ = reg.EndSession("s1")
	if _, err := reg.Subscribe("s1"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestAcceptPublishesFramesInOrder(t *testing.T) {
	pub := newCapturePublisher()
	reg := newTestRegistry(&captureWriter{}, pub, testOptions())
	defer reg.Close()

	now := time.Now().UTC()
	_ = reg.StartSession("s1", testFence())
	_ = reg.Accept("s1", testPoint("s1", 0, 0, now))
	_ = reg.Accept("s1", testPoint("s1", 0, 0.00001, now.Add(time.Second)))

	frames := pub.frames["s1"]
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, raw := range frames {
		var f struct {
			Type    string        `json:"type"`
			Payload LocationPoint `json:"payload"`
		}
		if err := json.Unmarshal(raw, &f); err != nil || f.Type != "point" {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !f.Payload.Timestamp.Equal(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("frames out of order")
		}
	}
}

func TestSweepEvictsEndedSessions(t *testing.T) {
	opts := testOptions()
	opts.SessionGracePeriod = time.Minute
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), opts)
	defer reg.Close()

	_ = reg.StartSession("done", testFence())
	_ = reg.StartSession("live", testFence())
	_ = reg.EndSession("done")

	reg.sweep(time.Now().UTC().Add(2 * time.Minute))

	if _, err := reg.View("done"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ended session evicted, got %v", err)
	}
	if _, err := reg.View("live"); err != nil {
		t.Fatalf("active session must survive sweep: %v", err)
	}
}

func TestStatsOverRouteWindow(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	_ = reg.StartSession("walk-1", testFence())

	stats, err := reg.Stats("walk-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PointCount != 0 || stats.DistanceM != 0 || stats.AvgSpeedMps != 0 {
		t.Fatalf("expected zero stats before points, got %+v", stats)
	}

	// Three points 0.001 degrees of longitude apart on the equator,
	// roughly 111m per step, one minute between fixes.
	now := time.Now().UTC().Add(-5 * time.Minute)
	_ = reg.Accept("walk-1", testPoint("walk-1", 0, 0, now))
	_ = reg.Accept("walk-1", testPoint("walk-1", 0, 0.001, now.Add(time.Minute)))
	_ = reg.Accept("walk-1", testPoint("walk-1", 0, 0.002, now.Add(2*time.Minute)))

	stats, err = reg.Stats("walk-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PointCount != 3 {
		t.Fatalf("expected 3 points, got %d", stats.PointCount)
	}
	if stats.DistanceM < 220 || stats.DistanceM > 225 {
		t.Fatalf("unexpected distance %f", stats.DistanceM)
	}
	if stats.DurationS != 120 {
		t.Fatalf("expected 120s duration, got %f", stats.DurationS)
	}
	if stats.AvgSpeedMps < 1.8 || stats.AvgSpeedMps > 1.9 {
		t.Fatalf("unexpected average speed %f", stats.AvgSpeedMps)
	}

	if _, err := reg.Stats("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestActiveSessionsGaugeCountsOnlyActive(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	base := testutil.ToFloat64(metrics.ActiveSessions)

	_ = reg.CreateSession("pending", testFence())
	_ = reg.StartSession("a", testFence())
	_ = reg.StartSession("b", testFence())
	if got := testutil.ToFloat64(metrics.ActiveSessions) - base; got != 2 {
		t.Fatalf("expected 2 active after starts, got %v", got)
	}

	_ = reg.StartSession("pending", Geofence{})
	if got := testutil.ToFloat64(metrics.ActiveSessions) - base; got != 3 {
		t.Fatalf("expected pending promotion counted, got %v", got)
	}

	_ = reg.EndSession("a")
	_ = reg.EndSession("a") // idempotent end must not double-decrement
	if got := testutil.ToFloat64(metrics.ActiveSessions) - base; got != 2 {
		t.Fatalf("expected 2 active after end, got %v", got)
	}

	// Ending a session that never started must not decrement.
	_ = reg.CreateSession("cancelled", testFence())
	_ = reg.EndSession("cancelled")
	if got := testutil.ToFloat64(metrics.ActiveSessions) - base; got != 2 {
		t.Fatalf("expected cancelled pending session uncounted, got %v", got)
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	reg := newTestRegistry(&captureWriter{}, newCapturePublisher(), testOptions())
	defer reg.Close()

	base := time.Now().UTC().Add(-time.Minute)
	sessions := []string{"a", "b", "c", "d"}
	for _, id := range sessions {
		_ = reg.StartSession(id, testFence())
	}

	var wg sync.WaitGroup
	for _, id := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = reg.Accept(id, testPoint(id, 0, 0, base.Add(time.Duration(i)*time.Second)))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range sessions {
		route, err := reg.Route(id)
		if err != nil {
			t.Fatalf("route %s: %v", id, err)
		}
		if len(route) != 50 {
			t.Fatalf("session %s: expected 50 points, got %d", id, len(route))
		}
	}
}
