package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dogwalk-tracking/internal/metrics"
	"dogwalk-tracking/internal/shared/geo"
	"github.com/rs/zerolog"
)

// PointWriter is the durable sink for accepted points. Append and
// AppendEvent must never block the ingestion path; Flush blocks until the
// session's buffered points are persisted or the context expires.
type PointWriter interface {
	Append(p LocationPoint)
	AppendEvent(ev GeofenceEvent)
	Flush(ctx context.Context, sessionID string) error
}

// Publisher fans accepted frames out to live subscribers of a session.
type Publisher interface {
	Broadcast(sessionID string, payload []byte)
	CloseSession(sessionID string, final []byte)
}

// Options bound the registry's in-memory state.
type Options struct {
	ClockSkewTolerance time.Duration
	RouteWindow        time.Duration
	RouteMaxPoints     int
	SessionGracePeriod time.Duration
	SweepInterval      time.Duration
	FlushTimeout       time.Duration
}

type session struct {
	mu        sync.Mutex
	state     SessionState
	fence     Geofence
	contain   containment
	last      *LocationPoint
	route     []LocationPoint
	startedAt time.Time
	endedAt   time.Time
}

// Registry owns all in-memory session state. The outer RWMutex guards
// insertion, removal, and lookup of whole sessions; every per-session
// mutation happens under that session's own mutex so concurrent sessions
// never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	opts   Options
	writer PointWriter
	pub    Publisher
	log    zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(opts Options, writer PointWriter, pub Publisher, log zerolog.Logger) *Registry {
	if opts.FlushTimeout == 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	r := &Registry{
		sessions: map[string]*session{},
		opts:     opts,
		writer:   writer,
		pub:      pub,
		log:      log,
		stop:     make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go r.sweepLoop()
	}
	return r
}

// Close stops the eviction sweep. Sessions remain readable.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// CreateSession registers a pending session ahead of the walk starting.
// Duplicate signals from the booking service are a no-op.
func (r *Registry) CreateSession(sessionID string, fence Geofence) error {
	if err := fence.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		existing.mu.Lock()
		ended := existing.state == StateEnded
		existing.mu.Unlock()
		if ended {
			return ErrSessionEnded
		}
		return nil
	}

	r.sessions[sessionID] = &session{state: StatePending, fence: fence, startedAt: time.Now().UTC()}
	r.log.Info().Str("session_id", sessionID).Msg("session created")
	return nil
}

// StartSession activates a session, creating it if the booking service
// never sent a pending signal. A pending session keeps the geofence it
// was created with; state transitions are monotonic, so starting an
// ended session fails.
func (r *Registry) StartSession(sessionID string, fence Geofence) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		if err := fence.Validate(); err != nil {
			r.mu.Unlock()
			return err
		}
		r.sessions[sessionID] = &session{state: StateActive, fence: fence, startedAt: time.Now().UTC()}
		metrics.ActiveSessions.Inc()
		r.mu.Unlock()
		r.log.Info().Str("session_id", sessionID).Msg("session started")
		return nil
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		return ErrSessionEnded
	case StatePending:
		s.state = StateActive
		s.startedAt = time.Now().UTC()
		metrics.ActiveSessions.Inc()
		r.log.Info().Str("session_id", sessionID).Msg("session started")
	}
	return nil
}

// Accept validates and applies one point to its session, then hands it to
// the writer (async durable append) and the publisher (live fan-out).
// Frames are published while the session lock is held, so subscribers see
// points in acceptance order.
func (r *Registry) Accept(sessionID string, p LocationPoint) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		metrics.PointsRejected.WithLabelValues("session_not_found").Inc()
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		metrics.PointsRejected.WithLabelValues("session_not_active").Inc()
		return ErrSessionNotActive
	}

	if s.last != nil && p.Timestamp.Before(s.last.Timestamp.Add(-r.opts.ClockSkewTolerance)) {
		metrics.PointsRejected.WithLabelValues("stale").Inc()
		return ErrStalePoint
	}

	// A point behind lastPoint but within the skew tolerance is still
	// persisted and fanned out, but must not enter the route window:
	// the route invariant is non-decreasing timestamps.
	if s.last == nil || !p.Timestamp.Before(s.last.Timestamp) {
		cp := p
		s.last = &cp
		s.route = append(s.route, p)
		r.pruneRouteLocked(s)
	}

	var event *GeofenceEvent
	s.contain, event = evaluate(s.fence, s.contain, p)

	r.writer.Append(p)
	r.publish(sessionID, "point", p)

	if event != nil {
		metrics.GeofenceEvents.WithLabelValues(string(event.Transition)).Inc()
		r.writer.AppendEvent(*event)
		r.publish(sessionID, "geofence", event)
		r.log.Info().
			Str("session_id", sessionID).
			Str("transition", string(event.Transition)).
			Msg("geofence transition")
	}

	return nil
}

// EndSession flushes the session's buffered points, notifies subscribers,
// and marks the session ended. Idempotent: a second call observes the
// ended state and returns nil without flushing again. The session itself
// is evicted by the sweep after the grace period.
func (r *Registry) EndSession(sessionID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	if err := r.writer.Flush(ctx, sessionID); err != nil {
		// Best effort: the walk is over whether or not the store kept up.
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("final flush failed")
	}

	// Only an Active session ever incremented the gauge; a Pending one
	// ending (walk cancelled) must not decrement it.
	if s.state == StateActive {
		metrics.ActiveSessions.Dec()
	}
	s.state = StateEnded
	s.endedAt = time.Now().UTC()

	final, _ := json.Marshal(frame{Type: "ended"})
	r.pub.CloseSession(sessionID, final)
	r.log.Info().Str("session_id", sessionID).Msg("session ended")
	return nil
}

// Subscribe validates that a session can take a live subscriber and
// returns the lastPoint snapshot for the late joiner. The connection
// handle itself is registered with the fan-out hub by the caller.
func (r *Registry) Subscribe(sessionID string) (*LocationPoint, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return nil, ErrSessionEnded
	}
	if s.last == nil {
		return nil, nil
	}
	cp := *s.last
	return &cp, nil
}

// Stats computes walk statistics over the in-memory route window.
func (r *Registry) Stats(sessionID string) (SessionStats, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return SessionStats{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SessionStats{SessionID: sessionID, State: s.state, PointCount: len(s.route)}
	for i := 1; i < len(s.route); i++ {
		prev, cur := s.route[i-1], s.route[i]
		stats.DistanceM += geo.HaversineM(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	}
	if n := len(s.route); n > 1 {
		stats.DurationS = s.route[n-1].Timestamp.Sub(s.route[0].Timestamp).Seconds()
	}
	if stats.DurationS > 0 {
		stats.AvgSpeedMps = stats.DistanceM / stats.DurationS
	}
	return stats, nil
}

// Route returns a copy of the bounded in-memory route window.
func (r *Registry) Route(sessionID string) ([]LocationPoint, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocationPoint, len(s.route))
	copy(out, s.route)
	return out, nil
}

// View returns a read-only snapshot of the session.
func (r *Registry) View(sessionID string) (SessionView, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		SessionID: sessionID,
		State:     s.state,
		Geofence:  s.fence,
		StartedAt: s.startedAt,
	}
	if s.last != nil {
		cp := *s.last
		v.LastPoint = &cp
	}
	if !s.endedAt.IsZero() {
		e := s.endedAt
		v.EndedAt = &e
	}
	return v, nil
}

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func (r *Registry) publish(sessionID, kind string, payload any) {
	msg, err := json.Marshal(frame{Type: kind, Payload: payload})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("frame marshal failed")
		return
	}
	r.pub.Broadcast(sessionID, msg)
}

// pruneRouteLocked drops points older than the route window and enforces
// the max-points cap. Caller holds s.mu.
func (r *Registry) pruneRouteLocked(s *session) {
	if r.opts.RouteWindow > 0 && len(s.route) > 0 {
		cutoff := s.route[len(s.route)-1].Timestamp.Add(-r.opts.RouteWindow)
		trim := 0
		for trim < len(s.route) && s.route[trim].Timestamp.Before(cutoff) {
			trim++
		}
		if trim > 0 {
			s.route = append(s.route[:0:0], s.route[trim:]...)
		}
	}
	if r.opts.RouteMaxPoints > 0 && len(s.route) > r.opts.RouteMaxPoints {
		excess := len(s.route) - r.opts.RouteMaxPoints
		s.route = append(s.route[:0:0], s.route[excess:]...)
	}
}

// sweepLoop evicts ended sessions after the grace period. Best effort:
// a missed pass only delays memory reclamation.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.state == StateEnded && now.Sub(s.endedAt) > r.opts.SessionGracePeriod
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			r.log.Debug().Str("session_id", id).Msg("session evicted")
		}
	}
}
