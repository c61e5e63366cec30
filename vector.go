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

package burncoord

import (
	"fmt"
	"math"
)

// The fixed embedding dimensions.
const (
	TerrainDims = 32  // BurnRequest.TerrainVector
	PlumeDims   = 64  // SmokePrediction.PlumeVector
	WeatherDims = 128 // WeatherObservation.WeatherVector
)

// Normalize scales v to unit magnitude in place and returns it. If the
// magnitude is zero or not finite the vector is returned unscaled, so
// an all-near-zero vector stays explicitly zero rather than becoming
// NaN.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 || math.IsInf(mag, 0) || math.IsNaN(mag) {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
	return v
}

// Magnitude returns the Euclidean norm of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// CosineDistance returns 1 − cosine similarity of a and b. It returns
// 1 for zero vectors so that degenerate embeddings sort last.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// CheckDims verifies that v has the expected dimension and only finite
// components. Producers must clamp before storage; this is the boundary
// assertion.
func CheckDims(v []float32, want int) error {
	if len(v) != want {
		return Errorf(KindValidation, "burncoord: vector has %d dimensions, want %d", len(v), want)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return Errorf(KindValidation, "burncoord: vector component %d is not finite", i)
		}
	}
	return nil
}

// ClampFinite replaces NaN with 0 and clamps x to [lo, hi]. All scalar
// model outputs pass through this before storage.
func ClampFinite(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// SanitizeVector replaces non-finite components of v with 0 in place
// and returns it.
func SanitizeVector(v []float32) []float32 {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			v[i] = 0
		}
	}
	return v
}

// VectorString formats a vector as a pgvector literal, e.g. "[1,2,3]".
func VectorString(v []float32) string {
	b := make([]byte, 0, len(v)*8+2)
	b = append(b, '[')
	for i, x := range v {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf("%g", x))...)
	}
	return string(append(b, ']'))
}
