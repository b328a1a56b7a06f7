// Package ingest turns raw transport payloads into accepted location
// points. One adapter serves every transport; a Source only says where
// the bytes came from and, when the transport encodes it, which session
// they belong to.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"dogwalk-tracking/internal/metrics"
	"dogwalk-tracking/internal/tracking"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Source identifies the transport a raw payload arrived on.
type Source interface {
	Transport() string
}

// SessionHinter is implemented by sources whose transport carries the
// session ID out of band (MQTT topic suffix, HTTP path parameter).
type SessionHinter interface {
	SessionHint() string
}

// Acceptor is the registry's ingestion contract.
type Acceptor interface {
	Accept(sessionID string, p tracking.LocationPoint) error
}

type pointPayload struct {
	SessionID string    `json:"session_id"`
	Latitude  *float64  `json:"latitude" validate:"required"`
	Longitude *float64  `json:"longitude" validate:"required"`
	AccuracyM float64   `json:"accuracy_m" validate:"gte=0"`
	SpeedMps  float64   `json:"speed_mps" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

type Adapter struct {
	acceptor Acceptor
	validate *validator.Validate
	log      zerolog.Logger

	maxPastSkew   time.Duration
	maxFutureSkew time.Duration

	now func() time.Time
}

func NewAdapter(acceptor Acceptor, maxPastSkew, maxFutureSkew time.Duration, log zerolog.Logger) *Adapter {
	return &Adapter{
		acceptor:      acceptor,
		validate:      validator.New(),
		log:           log,
		maxPastSkew:   maxPastSkew,
		maxFutureSkew: maxFutureSkew,
		now:           time.Now,
	}
}

// Ingest decodes, validates, and forwards one raw location report.
// Malformed payloads are dropped and counted; the device resends on its
// own cadence, so nothing here retries.
func (a *Adapter) Ingest(raw []byte, src Source) (tracking.LocationPoint, error) {
	var payload pointPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		metrics.PointsRejected.WithLabelValues("malformed").Inc()
		a.log.Debug().Err(err).Str("transport", src.Transport()).Msg("undecodable payload dropped")
		return tracking.LocationPoint{}, fmt.Errorf("%w: %v", tracking.ErrInvalidPoint, err)
	}

	sessionID := payload.SessionID
	if hinter, ok := src.(SessionHinter); ok {
		hint := hinter.SessionHint()
		switch {
		case sessionID == "":
			sessionID = hint
		case hint != "" && hint != sessionID:
			metrics.PointsRejected.WithLabelValues("invalid").Inc()
			return tracking.LocationPoint{}, fmt.Errorf("%w: session mismatch between payload and transport", tracking.ErrInvalidPoint)
		}
	}
	if sessionID == "" {
		metrics.PointsRejected.WithLabelValues("invalid").Inc()
		return tracking.LocationPoint{}, fmt.Errorf("%w: session_id required", tracking.ErrInvalidPoint)
	}

	if err := a.validate.Struct(payload); err != nil {
		metrics.PointsRejected.WithLabelValues("invalid").Inc()
		return tracking.LocationPoint{}, fmt.Errorf("%w: %v", tracking.ErrInvalidPoint, err)
	}
	if *payload.Latitude < tracking.MinLatitude || *payload.Latitude > tracking.MaxLatitude ||
		*payload.Longitude < tracking.MinLongitude || *payload.Longitude > tracking.MaxLongitude {
		metrics.PointsRejected.WithLabelValues("invalid").Inc()
		return tracking.LocationPoint{}, fmt.Errorf("%w: coordinates out of range", tracking.ErrInvalidPoint)
	}

	now := a.now().UTC()
	ts := payload.Timestamp
	if ts.IsZero() {
		metrics.PointsRejected.WithLabelValues("invalid").Inc()
		return tracking.LocationPoint{}, fmt.Errorf("%w: timestamp required", tracking.ErrInvalidPoint)
	}
	if ts.Before(now.Add(-a.maxPastSkew)) || ts.After(now.Add(a.maxFutureSkew)) {
		metrics.PointsRejected.WithLabelValues("invalid").Inc()
		return tracking.LocationPoint{}, fmt.Errorf("%w: timestamp outside accept window", tracking.ErrInvalidPoint)
	}

	point := tracking.LocationPoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Latitude:  *payload.Latitude,
		Longitude: *payload.Longitude,
		AccuracyM: payload.AccuracyM,
		SpeedMps:  payload.SpeedMps,
		Timestamp: ts.UTC(),
	}

	if err := a.acceptor.Accept(sessionID, point); err != nil {
		return tracking.LocationPoint{}, err
	}

	metrics.PointsIngested.WithLabelValues(src.Transport()).Inc()
	return point, nil
}

// IngestBatch decodes a JSON array of location reports and feeds each
// through Ingest. Devices buffer points while offline and upload them in
// one request on reconnect; invalid elements are dropped and counted
// without failing the rest of the batch.
func (a *Adapter) IngestBatch(raw []byte, src Source) (accepted, rejected int, err error) {
	var elems []json.RawMessage
	if uerr := json.Unmarshal(raw, &elems); uerr != nil {
		metrics.PointsRejected.WithLabelValues("malformed").Inc()
		return 0, 0, fmt.Errorf("%w: %v", tracking.ErrInvalidPoint, uerr)
	}

	for _, elem := range elems {
		if _, ierr := a.Ingest(elem, src); ierr != nil {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected, nil
}

// HTTPSource is the REST ingestion path; the session ID comes from the
// request path.
type HTTPSource struct {
	Session string
}

func (HTTPSource) Transport() string     { return "http" }
func (s HTTPSource) SessionHint() string { return s.Session }
