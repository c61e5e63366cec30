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

	"github.com/ctessum/atmos/plumerise"
	"github.com/spatialmodel/burncoord"
)

// Pseudo-stack parameters representing an open field burn. The burn is
// modeled as a buoyant area source: flame height as stack height,
// flame-front temperature as exit temperature, and convective column
// velocity as exit velocity. The effective diameter grows with the
// burned area.
const (
	flameHeight  = 2.   // [m]
	flameTempK   = 600. // [K]
	columnVelMS  = 5.   // [m/s]
	maxFireDiamM = 200. // [m]
)

// EffectiveHeight returns the effective release height [m] of the
// smoke column for a burn under the given conditions, computed with
// the ASME (1973) plume rise formulas (Briggs buoyancy flux
// parameterized by the burn intensity). The result is capped at the
// mixing height.
func EffectiveHeight(req *burncoord.BurnRequest, obs *burncoord.WeatherObservation) float64 {
	airTempK := obs.TemperatureC + 273.15
	wind := obs.WindSpeed
	if wind < 0.5 {
		wind = 0.5 // the rise formulas diverge in calm air
	}
	mixing := obs.MixingHeight
	if mixing <= 0 {
		mixing = 1000
	}

	// Effective fire diameter from the burned area, capped: a large
	// field burns as a moving flame front, not one giant fire.
	diam := math.Sqrt(req.AreaHa*1e4/math.Pi) / 4
	if diam > maxFireDiamM {
		diam = maxFireDiamM
	}
	if diam < 5 {
		diam = 5
	}

	// Two-layer pseudo-profile: surface layer to the mixing height,
	// residual layer above.
	layerHeights := []float64{0, mixing, mixing + 3000}
	temperature := []float64{airTempK, airTempK - 6.5e-3*mixing}
	windSpeed := []float64{wind, wind * 1.3}
	sClass := []float64{0, 1}
	s1 := []float64{0.01, 0.02}
	if obs.Stability >= burncoord.ClassE {
		// Stable surface layer suppresses rise.
		sClass[0] = 1
		s1[0] = 0.025
	}

	_, h, err := plumerise.ASME(flameHeight, diam, flameTempK, columnVelMS,
		layerHeights, temperature, windSpeed, sClass, s1)
	if err != nil {
		if err == plumerise.ErrAboveModelTop {
			h = mixing
		} else {
			// Degenerate met input; fall back to the flame height.
			h = flameHeight
		}
	}
	if h > mixing {
		h = mixing
	}
	if h < flameHeight {
		h = flameHeight
	}
	return h
}
