/*
Copyright © 2024 the BurnCoord authors.
This file is part of BurnCoord.

BurnCoord is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnCoord is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnCoord.  If not, see <http://www.gnu.org/licenses/>.
*/

package coordinate

import (
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// Submission is the raw input of a burn request before validation.
type Submission struct {
	FarmID    int64                `json:"farmId"`
	FieldID   int64                `json:"fieldId"`
	FieldName string               `json:"fieldName"`
	Crop      burncoord.CropType   `json:"cropType"`
	AreaHa    float64              `json:"areaHectares"`
	FuelLoad  float64              `json:"fuelLoad"` // [Mg/ha]
	Date      time.Time            `json:"burnDate"`
	Window    burncoord.TimeWindow `json:"window"`
	Boundary  geom.Polygon         `json:"polygon"`

	// PriorityOverride, when in [1, 10], blends into the computed
	// priority. Zero means no override.
	PriorityOverride int `json:"priorityOverride,omitempty"`

	// Optional terrain attributes for the embedding.
	ElevationM float64 `json:"elevation,omitempty"`
	SlopeDeg   float64 `json:"slope,omitempty"`
}

const (
	maxFieldNameLen = 255
	maxAreaHa       = 10000
	minWindowMin    = 120 // 2 h
	maxDateHorizon  = 365 * 24 * time.Hour
	// areaTolerance is the declared-vs-geometry mismatch that triggers
	// a warning.
	areaTolerance = 0.10
)

// validate applies the submission rules. It returns a VALIDATION error
// enumerating every offending field, or nil. An acreage/geometry
// mismatch within tolerance of rejection is only warned about.
func (c *Coordinator) validate(sub *Submission) error {
	fields := map[string]string{}

	if sub.FarmID <= 0 {
		fields["farmId"] = "must be a positive id"
	}
	if n := len(sub.FieldName); n < 1 || n > maxFieldNameLen {
		fields["fieldName"] = fmt.Sprintf("length must be in [1, %d]", maxFieldNameLen)
	}
	if msg := checkBoundary(sub.Boundary); msg != "" {
		fields["polygon"] = msg
	}
	if sub.AreaHa <= 0 || sub.AreaHa > maxAreaHa {
		fields["areaHectares"] = fmt.Sprintf("must be in (0, %d]", maxAreaHa)
	}
	if msg := checkWindow(sub.Window); msg != "" {
		fields["window"] = msg
	}
	if msg := c.checkDate(sub.Date); msg != "" {
		fields["burnDate"] = msg
	}
	if !sub.Crop.Valid() {
		fields["cropType"] = fmt.Sprintf("unknown crop %q", sub.Crop)
	}
	if sub.FuelLoad < 0 {
		fields["fuelLoad"] = "must be non-negative"
	}
	if len(fields) > 0 {
		return burncoord.ValidationErr("coordinate: invalid submission", fields)
	}

	// Declared acreage vs. geometry: warn, do not reject.
	if geomHa := polygonAreaHa(sub.Boundary); geomHa > 0 {
		if rel := math.Abs(geomHa-sub.AreaHa) / geomHa; rel > areaTolerance {
			c.Log.WithFields(logrus.Fields{
				"farm":     sub.FarmID,
				"field":    sub.FieldName,
				"declared": sub.AreaHa,
				"geometry": geomHa,
			}).Warn("coordinate: declared area differs from geometry by more than 10%")
		}
	}
	return nil
}

func checkBoundary(p geom.Polygon) string {
	if len(p) != 1 {
		return "must have exactly one outer ring"
	}
	ring := p[0]
	if len(ring) < 4 {
		return "ring must have at least 4 points"
	}
	if !ring[0].Equals(ring[len(ring)-1]) {
		return "ring must be closed"
	}
	for _, pt := range ring {
		if pt.X < -180 || pt.X > 180 || pt.Y < -90 || pt.Y > 90 {
			return "coordinates must be WGS84 lon/lat"
		}
	}
	return ""
}

func checkWindow(w burncoord.TimeWindow) string {
	const dayMin = 24 * 60
	if w.StartMinute < 0 || w.StartMinute >= dayMin || w.EndMinute < 0 || w.EndMinute > dayMin {
		return "minutes must fall within one day"
	}
	if w.EndMinute <= w.StartMinute {
		return "end must be after start"
	}
	if w.EndMinute-w.StartMinute < minWindowMin {
		return "window must be at least 2 hours"
	}
	return ""
}

func (c *Coordinator) checkDate(d time.Time) string {
	today := c.now().UTC().Truncate(24 * time.Hour)
	if d.Before(today) {
		return "must not be in the past"
	}
	if d.After(today.Add(maxDateHorizon)) {
		return "must be within one year"
	}
	return ""
}

// polygonAreaHa computes the boundary area [ha] in a local
// equirectangular frame about its centroid.
func polygonAreaHa(p geom.Polygon) float64 {
	if len(p) == 0 || len(p[0]) < 4 {
		return 0
	}
	origin := p[0][0]
	cosLat := math.Cos(origin.Y * math.Pi / 180)
	local := make(geom.Polygon, len(p))
	for i, ring := range p {
		local[i] = make([]geom.Point, len(ring))
		for j, pt := range ring {
			local[i][j] = geom.Point{
				X: (pt.X - origin.X) * 111320. * cosLat,
				Y: (pt.Y - origin.Y) * 111320.,
			}
		}
	}
	return local.Area() / 1e4
}
