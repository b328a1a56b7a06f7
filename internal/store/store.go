// Package store persists accepted points to the time-series database.
// The write path is a single background loop fed by bounded channels so
// the ingestion hot path never blocks beyond an enqueue; under store
// outage the policy is shed-and-count, not stall.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dogwalk-tracking/internal/db"
	"dogwalk-tracking/internal/metrics"
	"dogwalk-tracking/internal/tracking"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Options bound the batching and retry behavior.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	MaxRetries    int
}

type flushRequest struct {
	reply chan error
}

// Store is the batched time-series writer and history reader.
type Store struct {
	q    db.Querier
	opts Options
	log  zerolog.Logger

	breaker *gobreaker.CircuitBreaker

	points   chan tracking.LocationPoint
	events   chan tracking.GeofenceEvent
	flushReq chan flushRequest

	done    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

func New(q db.Querier, opts Options, log zerolog.Logger) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	s := &Store{
		q:    q,
		opts: opts,
		log:  log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "timescale",
			Timeout: 30 * time.Second,
		}),
		points:   make(chan tracking.LocationPoint, opts.BufferSize),
		events:   make(chan tracking.GeofenceEvent, 256),
		flushReq: make(chan flushRequest),
		done:     make(chan struct{}),
	}

	s.stopped.Add(1)
	go s.run()
	return s
}

// InitSchema creates the hypertable and the event audit table. The
// create_hypertable call is tolerated to fail so plain Postgres works in
// development.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS location_points (
			id UUID NOT NULL,
			session_id TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy_m DOUBLE PRECISION NOT NULL,
			speed_mps DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	if _, err := s.q.Exec(ctx, `SELECT create_hypertable('location_points', 'recorded_at', if_not_exists => TRUE)`); err != nil {
		s.log.Warn().Err(err).Msg("create_hypertable unavailable, continuing with plain table")
	}

	_, err = s.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS geofence_events (
			session_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Append enqueues a point for the next batch. When the buffer is full the
// oldest unflushed point is discarded so fresh data wins.
func (s *Store) Append(p tracking.LocationPoint) {
	for {
		select {
		case s.points <- p:
			return
		default:
		}
		select {
		case <-s.points:
			metrics.PointsDropped.WithLabelValues("writer_buffer").Inc()
		default:
		}
	}
}

// AppendEvent enqueues a geofence event for audit. Best effort.
func (s *Store) AppendEvent(ev tracking.GeofenceEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("session_id", ev.SessionID).Msg("event buffer full, audit event dropped")
	}
}

// Flush blocks until everything currently buffered is written (or
// dropped after exhausting retries), bounded by ctx. The sessionID is
// advisory: batches mix sessions, so a flush drains the whole buffer, a
// superset of the caller's session. Used at session end.
func (s *Store) Flush(ctx context.Context, sessionID string) error {
	req := flushRequest{reply: make(chan error, 1)}
	select {
	case s.flushReq <- req:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains and writes any remaining buffered data, then stops the
// write loop.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
	s.stopped.Wait()
}

func (s *Store) run() {
	defer s.stopped.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]tracking.LocationPoint, 0, s.opts.BatchSize)

	for {
		select {
		case p := <-s.points:
			batch = append(batch, p)
			if len(batch) >= s.opts.BatchSize {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		case ev := <-s.events:
			s.writeEvent(ev)
		case <-ticker.C:
			if len(batch) > 0 {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		case req := <-s.flushReq:
			batch = s.drainInto(batch)
			var err error
			if len(batch) > 0 {
				err = s.writeBatch(batch)
				batch = batch[:0]
			}
			req.reply <- err
		case <-s.done:
			batch = s.drainInto(batch)
			if len(batch) > 0 {
				s.writeBatch(batch)
			}
			for {
				select {
				case ev := <-s.events:
					s.writeEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) drainInto(batch []tracking.LocationPoint) []tracking.LocationPoint {
	for {
		select {
		case p := <-s.points:
			batch = append(batch, p)
		default:
			return batch
		}
	}
}

// writeBatch inserts the batch with bounded exponential backoff behind a
// circuit breaker. Exhausting the retry budget drops the batch: at-most-
// once durability under store outage is the accepted trade-off.
func (s *Store) writeBatch(batch []tracking.LocationPoint) error {
	sql, args := buildInsert(batch)

	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.WriterRetries.Inc()
		}
		attempt++
		_, err := s.breaker.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.q.Exec(ctx, sql, args...)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.opts.MaxRetries))
	if err := backoff.Retry(op, policy); err != nil {
		stage := "writer_retry"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			stage = "writer_breaker"
		}
		metrics.PointsDropped.WithLabelValues(stage).Add(float64(len(batch)))
		metrics.WriterBatches.WithLabelValues("failed").Inc()
		s.log.Error().Err(err).Int("points", len(batch)).Msg("batch dropped after retries")
		return fmt.Errorf("%w: %v", tracking.ErrWriteFailed, err)
	}

	metrics.WriterBatches.WithLabelValues("ok").Inc()
	return nil
}

func (s *Store) writeEvent(ev tracking.GeofenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.breaker.Execute(func() (any, error) {
		return s.q.Exec(ctx, `
			INSERT INTO geofence_events (session_id, transition, latitude, longitude, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, ev.SessionID, string(ev.Transition), ev.Point.Latitude, ev.Point.Longitude, ev.Timestamp)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("audit event write failed")
	}
}

func buildInsert(batch []tracking.LocationPoint) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO location_points (id, session_id, latitude, longitude, accuracy_m, speed_mps, recorded_at) VALUES `)

	args := make([]any, 0, len(batch)*7)
	for i, p := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, p.ID, p.SessionID, p.Latitude, p.Longitude, p.AccuracyM, p.SpeedMps, p.Timestamp)
	}
	return sb.String(), args
}

// RouteHistory reads persisted points for a session in time order. A zero
// since returns the whole walk.
func (s *Store) RouteHistory(ctx context.Context, sessionID string, since time.Time) ([]tracking.LocationPoint, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, session_id, latitude, longitude, accuracy_m, speed_mps, recorded_at
		FROM location_points
		WHERE session_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at
	`, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []tracking.LocationPoint
	for rows.Next() {
		var p tracking.LocationPoint
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Latitude, &p.Longitude, &p.AccuracyM, &p.SpeedMps, &p.Timestamp); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
