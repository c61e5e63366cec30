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

package weather

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/spatialmodel/burncoord"
)

const mphPerMS = 2.23694

// Burn suitability bands. Wind outside the hard band always fails: too
// little wind pools smoke, too much spreads fire.
const (
	minWindMPH = 2.
	maxWindMPH = 15.
	minHumid   = 25.
	maxHumid   = 75.
	minVisKm   = 2.
	// measurablePrecip is the trace threshold [mm/h].
	measurablePrecip = 0.01
)

// scoreThreshold is the minimum suitability score for an hour to count
// toward a suggested burn window.
const scoreThreshold = 0.6

// Factor is one component of a suitability evaluation.
type Factor struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Score float64 `json:"score"`
	Pass  bool    `json:"pass"`
}

// Analysis is the result of evaluating burn suitability at a location
// and time.
type Analysis struct {
	Suitable    bool                           `json:"suitable"`
	Score       float64                        `json:"score"`
	Factors     []Factor                       `json:"factors"`
	Observation *burncoord.WeatherObservation  `json:"observation,omitempty"`
	Vector      []float32                      `json:"-"`
	// Alternatives suggests upcoming windows when the analyzed time is
	// unsuitable.
	Alternatives []BurnWindow `json:"alternatives,omitempty"`
}

// Failed lists the names of the factors that did not pass.
func (a *Analysis) Failed() []string {
	var out []string
	for _, f := range a.Factors {
		if !f.Pass {
			out = append(out, f.Name)
		}
	}
	return out
}

// ramp maps v linearly onto [0, 1] over [lo, hi].
func ramp(v, lo, hi float64) float64 {
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 1
	}
	return (v - lo) / (hi - lo)
}

// trapezoid scores v as 0 outside [a, d], 1 inside [b, c], with linear
// shoulders.
func trapezoid(v, a, b, c, d float64) float64 {
	switch {
	case v < b:
		return ramp(v, a, b)
	case v > c:
		return 1 - ramp(v, c, d)
	default:
		return 1
	}
}

var stabilityScores = map[burncoord.StabilityClass]float64{
	burncoord.ClassA: 0.7, // vigorous mixing but erratic transport
	burncoord.ClassB: 0.85,
	burncoord.ClassC: 1,
	burncoord.ClassD: 0.95,
	burncoord.ClassE: 0.6,
	burncoord.ClassF: 0, // severe inversion
}

// Evaluate scores an observation for burn suitability. Suitable is
// false when any hard band is violated; Score is the product of the
// per-factor soft scores.
func Evaluate(obs *burncoord.WeatherObservation) *Analysis {
	windMPH := obs.WindSpeed * mphPerMS
	factors := []Factor{
		{
			Name:  "windSpeed",
			Value: windMPH,
			Score: trapezoid(windMPH, minWindMPH, 4, 10, maxWindMPH),
			Pass:  windMPH >= minWindMPH && windMPH <= maxWindMPH,
		},
		{
			Name:  "humidity",
			Value: obs.Humidity,
			Score: trapezoid(obs.Humidity, minHumid, 40, 60, maxHumid),
			Pass:  obs.Humidity >= minHumid && obs.Humidity <= maxHumid,
		},
		{
			Name:  "precipitation",
			Value: obs.Precipitation,
			Score: 1,
			Pass:  obs.Precipitation < measurablePrecip,
		},
		{
			Name:  "stability",
			Value: float64(obs.Stability),
			Score: stabilityScores[obs.Stability],
			Pass:  obs.Stability != burncoord.ClassF,
		},
		{
			Name:  "visibility",
			Value: obs.Visibility,
			Score: 0.3 + 0.7*ramp(obs.Visibility, minVisKm, 10),
			Pass:  obs.Visibility >= minVisKm,
		},
	}

	a := &Analysis{Suitable: true, Score: 1, Observation: obs}
	for _, f := range factors {
		if !f.Pass {
			a.Suitable = false
		}
		a.Score *= f.Score
	}
	if !a.Suitable {
		a.Score = 0
	}
	a.Score = burncoord.ClampFinite(a.Score, 0, 1)
	a.Factors = factors
	return a
}

// BurnWindow is a contiguous span of suitable hours.
type BurnWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Score float64   `json:"score"` // mean hourly score
}

// BurnWindows merges consecutive forecast hours whose suitability
// score is at least scoreThreshold into suggested windows. The input
// must be sorted by time.
func BurnWindows(obses []*burncoord.WeatherObservation) []BurnWindow {
	var out []BurnWindow
	var cur *BurnWindow
	var scores []float64
	flush := func() {
		if cur != nil {
			cur.Score = stat.Mean(scores, nil)
			out = append(out, *cur)
			cur, scores = nil, scores[:0]
		}
	}
	for _, obs := range obses {
		a := Evaluate(obs)
		if !a.Suitable || a.Score < scoreThreshold {
			flush()
			continue
		}
		end := obs.Time.Add(time.Hour)
		if cur != nil && obs.Time.Sub(cur.End) <= 0 {
			cur.End = end
		} else {
			flush()
			cur = &BurnWindow{Start: obs.Time, End: end}
		}
		scores = append(scores, a.Score)
	}
	flush()
	return out
}
