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

// Briggs open-country dispersion coefficients as functions of
// downwind distance x [m], from Briggs (1973) as tabulated in
// Seinfeld and Pandis, ``Atmospheric Chemistry and Physics''.
// Valid for 100 m < x < 10,000 m; we extrapolate beyond.

// sigmaY returns the lateral dispersion parameter σy [m] at downwind
// distance x [m] for the given stability class.
func sigmaY(class burncoord.StabilityClass, x float64) float64 {
	a := [6]float64{0.22, 0.16, 0.11, 0.08, 0.06, 0.04}[classIndex(class)]
	return a * x / math.Sqrt(1+0.0001*x)
}

// sigmaZ returns the vertical dispersion parameter σz [m] at downwind
// distance x [m] for the given stability class.
func sigmaZ(class burncoord.StabilityClass, x float64) float64 {
	switch classIndex(class) {
	case 0:
		return 0.20 * x
	case 1:
		return 0.12 * x
	case 2:
		return 0.08 * x / math.Sqrt(1+0.0002*x)
	case 3:
		return 0.06 * x / math.Sqrt(1+0.0015*x)
	case 4:
		return 0.03 * x / (1 + 0.0003*x)
	default:
		return 0.016 * x / (1 + 0.0003*x)
	}
}

func classIndex(class burncoord.StabilityClass) int {
	if class < burncoord.ClassA {
		return 0
	}
	if class > burncoord.ClassF {
		return 5
	}
	return int(class)
}

// fanHalfAngle returns the plume fan half-angle [radians] for the
// given stability class and wind speed [m/s]. Unstable classes spread
// wide; strong winds narrow the fan. Derived from the small-angle
// limit of σy(x)/x.
func fanHalfAngle(class burncoord.StabilityClass, windSpeed float64) float64 {
	a := [6]float64{0.22, 0.16, 0.11, 0.08, 0.06, 0.04}[classIndex(class)]
	θ := math.Atan(2 * a) // ~2σy edge of the lateral Gaussian
	// Stronger winds produce straighter plumes.
	if windSpeed > 5 {
		θ *= 5 / windSpeed
	}
	const θmin = 5 * math.Pi / 180
	if θ < θmin {
		θ = θmin
	}
	return θ
}
