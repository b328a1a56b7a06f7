package tracking

import (
	"errors"
	"math"
	"time"

	"dogwalk-tracking/internal/shared/geo"
)

var (
	ErrInvalidPoint      = errors.New("invalid location point")
	ErrInvalidGeofence   = errors.New("invalid geofence definition")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotActive  = errors.New("session not active")
	ErrSessionEnded      = errors.New("session already ended")
	ErrStalePoint        = errors.New("stale location point")
	ErrWriteFailed       = errors.New("time-series write failed")
	ErrSubscriberTimeout = errors.New("subscriber delivery timed out")
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// LocationPoint is one accepted GPS report. Immutable once constructed;
// the registry, evaluator, writer, and publisher only ever read it.
type LocationPoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m"`
	SpeedMps  float64   `json:"speed_mps,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type GeofenceKind string

const (
	GeofenceCircle  GeofenceKind = "circle"
	GeofencePolygon GeofenceKind = "polygon"
)

// Geofence is the fixed boundary for one session: either a circle
// (center + radius in meters) or a polygon with at least three vertices.
type Geofence struct {
	Kind      GeofenceKind `json:"kind"`
	CenterLat float64      `json:"center_lat,omitempty"`
	CenterLng float64      `json:"center_lng,omitempty"`
	RadiusM   float64      `json:"radius_m,omitempty"`
	Vertices  []geo.Vertex `json:"vertices,omitempty"`
}

// Validate is called once at session start; a malformed geofence is a
// configuration error, never a per-point one.
func (g Geofence) Validate() error {
	switch g.Kind {
	case GeofenceCircle:
		if !finiteCoord(g.CenterLat, g.CenterLng) {
			return ErrInvalidGeofence
		}
		if g.CenterLat < MinLatitude || g.CenterLat > MaxLatitude ||
			g.CenterLng < MinLongitude || g.CenterLng > MaxLongitude {
			return ErrInvalidGeofence
		}
		if g.RadiusM <= 0 || math.IsNaN(g.RadiusM) || math.IsInf(g.RadiusM, 0) {
			return ErrInvalidGeofence
		}
	case GeofencePolygon:
		if len(g.Vertices) < 3 {
			return ErrInvalidGeofence
		}
		for _, v := range g.Vertices {
			if !finiteCoord(v.Lat, v.Lng) ||
				v.Lat < MinLatitude || v.Lat > MaxLatitude ||
				v.Lng < MinLongitude || v.Lng > MaxLongitude {
				return ErrInvalidGeofence
			}
		}
	default:
		return ErrInvalidGeofence
	}
	return nil
}

func finiteCoord(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(lng) && !math.IsInf(lng, 0)
}

type Transition string

const (
	TransitionEntered Transition = "entered"
	TransitionExited  Transition = "exited"
)

// GeofenceEvent is emitted only on a containment change, never per point.
type GeofenceEvent struct {
	SessionID  string        `json:"session_id"`
	Transition Transition    `json:"transition"`
	Point      LocationPoint `json:"point"`
	Timestamp  time.Time     `json:"timestamp"`
}

type SessionState string

const (
	StatePending SessionState = "pending"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
)

// containment is the evaluator's per-session memory. Unknown until the
// first point has been evaluated.
type containment int

const (
	containmentUnknown containment = iota
	containmentInside
	containmentOutside
)

// SessionStats summarizes the walk so far, computed over the in-memory
// route window: distance is summed over consecutive points, duration
// spans first to last point, average speed is distance over duration.
type SessionStats struct {
	SessionID   string       `json:"session_id"`
	State       SessionState `json:"state"`
	PointCount  int          `json:"point_count"`
	DistanceM   float64      `json:"distance_m"`
	DurationS   float64      `json:"duration_s"`
	AvgSpeedMps float64      `json:"avg_speed_mps"`
}

// SessionView is a read-only snapshot of session state served over HTTP.
type SessionView struct {
	SessionID string         `json:"session_id"`
	State     SessionState   `json:"state"`
	Geofence  Geofence       `json:"geofence"`
	LastPoint *LocationPoint `json:"last_point,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}
