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

package plume

import (
	"math"

	"github.com/spatialmodel/burncoord"
)

// Plume vector dimension allocation. The assignment is fixed so that
// vectors produced in different runs are comparable.
const (
	vecEmission  = 0  // dims 0–15: emission block
	vecStability = 16 // dims 16–23: stability block
	vecWind      = 24 // dims 24–31: wind block
	vecDecay     = 32 // dims 32–39: time-decay basis
	vecGeometry  = 40 // dims 40–63: geometry features
)

// plumeVector encodes a plume into the 64-dimensional embedding used
// for similarity search over historical smoke events. The result is
// unit-normalized.
func plumeVector(s *sampler, req *burncoord.BurnRequest, obs *burncoord.WeatherObservation, length float64) []float32 {
	v := make([]float32, burncoord.PlumeDims)

	// Emission block: the area-scaled emission rate spread over an
	// RBF basis in log(Q) space.
	logQ := math.Log10(s.q + 1)
	for i := 0; i < 16; i++ {
		center := float64(i) * 0.5 // centers at 0, 0.5, ... 7.5 in log10(g/s)
		d := logQ - center
		v[vecEmission+i] = float32(math.Exp(-d * d / 0.5))
	}

	// Stability block: one-hot class plus interpolated neighbors.
	ci := classIndex(s.class)
	v[vecStability+ci] = 1
	if ci > 0 {
		v[vecStability+ci-1] = 0.3
	}
	if ci < 5 {
		v[vecStability+ci+1] = 0.3
	}
	v[vecStability+6] = float32(obs.MixingHeight / 3000)
	if s.calm {
		v[vecStability+7] = 1
	}

	// Wind block: speed buckets plus direction sine and cosine.
	for i := 0; i < 6; i++ {
		center := float64(i) * 3 // 0, 3, ... 15 m/s
		d := obs.WindSpeed - center
		v[vecWind+i] = float32(math.Exp(-d * d / 4.5))
	}
	dir := obs.WindDirection * math.Pi / 180
	v[vecWind+6] = float32(math.Sin(dir))
	v[vecWind+7] = float32(math.Cos(dir))

	// Time-decay basis: relative centerline concentration after the
	// plume has advected for 1, 2, 4, and 8 hours.
	c0 := s.centerline(250)
	for i, hours := range []float64{1, 2, 4, 8} {
		x := s.u * hours * 3600
		var rel float64
		if c0 > 0 {
			rel = s.centerline(x) / c0
		}
		v[vecDecay+2*i] = float32(rel)
		v[vecDecay+2*i+1] = float32(1 - rel)
	}

	// Geometry features: length, half-angle, fan area, spreads.
	halfAngle := fanHalfAngle(s.class, obs.WindSpeed)
	v[vecGeometry+0] = float32(length / 30000)
	v[vecGeometry+1] = float32(halfAngle / (math.Pi / 2))
	v[vecGeometry+2] = float32(halfAngle * length * length / 2 / 1e9) // fan area [1000 km²]
	v[vecGeometry+3] = float32(s.sy0 / 1000)
	v[vecGeometry+4] = float32(s.sz0 / 1000)
	v[vecGeometry+5] = float32(req.AreaHa / 1000)
	v[vecGeometry+6] = float32(math.Sin(s.axis))
	v[vecGeometry+7] = float32(math.Cos(s.axis))
	// Remaining geometry dims encode the plume footprint on a coarse
	// radial basis of the downwind length.
	for i := 0; i < 16; i++ {
		x := length * float64(i+1) / 16
		v[vecGeometry+8+i] = float32(s.centerline(x) / (c0 + 1))
	}

	return burncoord.Normalize(v)
}
