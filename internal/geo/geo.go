// Package geo checks a field user's position against construction objects.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kalambet/sitesync/internal/siteapi"
)

const (
	earthRadius = 6371e3 // metres

	// DefaultRadius is the distance within which a user counts as on site.
	DefaultRadius = 100.0
)

// PointInPolygon reports whether p lies inside poly using ray casting.
// Polygons with fewer than three vertices contain nothing.
func PointInPolygon(p siteapi.Coordinates, poly []siteapi.Coordinates) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		xi, yi := poly[i][0], poly[i][1]
		xj, yj := poly[j][0], poly[j][1]
		if (yi > p[1]) != (yj > p[1]) && p[0] < (xj-xi)*(p[1]-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// Distance returns the great-circle distance between a and b in metres.
func Distance(a, b siteapi.Coordinates) float64 {
	lat1 := a[0] * math.Pi / 180
	lat2 := b[0] * math.Pi / 180
	dLat := (b[0] - a[0]) * math.Pi / 180
	dLon := (b[1] - a[1]) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// IsNearObject reports whether user is within radius metres of object.
// A radius <= 0 selects DefaultRadius.
func IsNearObject(user, object siteapi.Coordinates, radius float64) bool {
	if radius <= 0 {
		radius = DefaultRadius
	}
	return Distance(user, object) <= radius
}

// Centroid returns the vertex average of poly, used as the reference point
// of an object for distance checks. It reports false for an empty polygon.
func Centroid(poly []siteapi.Coordinates) (siteapi.Coordinates, bool) {
	if len(poly) == 0 {
		return siteapi.Coordinates{}, false
	}
	var c siteapi.Coordinates
	for _, v := range poly {
		c[0] += v[0]
		c[1] += v[1]
	}
	n := float64(len(poly))
	return siteapi.Coordinates{c[0] / n, c[1] / n}, true
}

// Check summarizes where user stands relative to a project.
type Check struct {
	Inside   bool    `json:"inside"`
	Near     bool    `json:"near"`
	Distance float64 `json:"distance_m"`
}

// CheckProject locates user against the project's outline.
func CheckProject(user siteapi.Coordinates, p siteapi.Project, radius float64) Check {
	poly := p.Polygon()
	var c Check
	c.Inside = PointInPolygon(user, poly)
	if center, ok := Centroid(poly); ok {
		c.Distance = Distance(user, center)
		c.Near = c.Inside || IsNearObject(user, center, radius)
	}
	return c
}

// ParsePosition reads "lat,lng" in decimal degrees.
func ParsePosition(s string) (siteapi.Coordinates, error) {
	latStr, lngStr, ok := strings.Cut(s, ",")
	if !ok {
		return siteapi.Coordinates{}, fmt.Errorf("position %q: want \"lat,lng\"", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return siteapi.Coordinates{}, fmt.Errorf("position %q: latitude: %w", s, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return siteapi.Coordinates{}, fmt.Errorf("position %q: longitude: %w", s, err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return siteapi.Coordinates{}, fmt.Errorf("position %q out of range", s)
	}
	return siteapi.Coordinates{lat, lng}, nil
}
