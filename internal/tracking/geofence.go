package tracking

import (
	"dogwalk-tracking/internal/shared/geo"
)

// contains reports whether the point lies within the geofence. The
// boundary is closed: a point exactly on it counts as inside.
func (g Geofence) contains(p LocationPoint) bool {
	switch g.Kind {
	case GeofenceCircle:
		return geo.PointInCircle(p.Latitude, p.Longitude, g.CenterLat, g.CenterLng, g.RadiusM)
	case GeofencePolygon:
		return geo.PointInPolygon(p.Latitude, p.Longitude, g.Vertices)
	default:
		return false
	}
}

// evaluate runs the edge-triggered containment check for a new point.
// It returns the updated containment state and, when the state flipped,
// the transition event. The first evaluated point only seeds the state:
// a walk starting inside its own fence must not fire an alert.
func evaluate(fence Geofence, prev containment, p LocationPoint) (containment, *GeofenceEvent) {
	next := containmentOutside
	if fence.contains(p) {
		next = containmentInside
	}

	if prev == containmentUnknown || prev == next {
		return next, nil
	}

	transition := TransitionExited
	if next == containmentInside {
		transition = TransitionEntered
	}
	return next, &GeofenceEvent{
		SessionID:  p.SessionID,
		Transition: transition,
		Point:      p,
		Timestamp:  p.Timestamp,
	}
}
