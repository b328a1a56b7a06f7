package geo

import "math"

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance between two coordinates in meters.
func HaversineM(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// PointInCircle reports whether (lat, lng) lies within radiusM meters of the
// center. The boundary is closed: a point exactly on the circle is inside.
func PointInCircle(lat, lng, centerLat, centerLng, radiusM float64) bool {
	return HaversineM(lat, lng, centerLat, centerLng) <= radiusM
}

// Vertex is a single polygon corner in degrees.
type Vertex struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PointInPolygon reports whether (lat, lng) lies within the polygon using
// ray casting on the lat/lng plane. A point on an edge counts as inside.
// Adequate for walk-sized fences; not meant for polygons spanning the
// antimeridian.
func PointInPolygon(lat, lng float64, vertices []Vertex) bool {
	n := len(vertices)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := vertices[i], vertices[j]

		if onSegment(lat, lng, vi, vj) {
			return true
		}

		if (vi.Lat > lat) != (vj.Lat > lat) {
			cross := (vj.Lng-vi.Lng)*(lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if lng < cross {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(lat, lng float64, a, b Vertex) bool {
	const eps = 1e-12
	cross := (b.Lat-a.Lat)*(lng-a.Lng) - (b.Lng-a.Lng)*(lat-a.Lat)
	if math.Abs(cross) > eps {
		return false
	}
	return lat >= math.Min(a.Lat, b.Lat)-eps && lat <= math.Max(a.Lat, b.Lat)+eps &&
		lng >= math.Min(a.Lng, b.Lng)-eps && lng <= math.Max(a.Lng, b.Lng)+eps
}
