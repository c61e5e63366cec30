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

import "github.com/spatialmodel/burncoord"

// emissionFactors gives PM2.5 emitted per hectare of residue burned
// [kg/ha] by crop type, at the reference fuel loading.
var emissionFactors = map[burncoord.CropType]float64{
	burncoord.CropRice:      6.0,
	burncoord.CropWheat:     5.5,
	burncoord.CropCorn:      6.6,
	burncoord.CropBarley:    5.5,
	burncoord.CropOats:      5.5,
	burncoord.CropSorghum:   6.0,
	burncoord.CropCotton:    8.0,
	burncoord.CropSoybeans:  6.0,
	burncoord.CropSunflower: 7.0,
	burncoord.CropOther:     6.5,
}

// referenceFuelLoad is the residue loading [Mg/ha] the emission
// factors assume. Heavier loadings burn longer (smoldering), which
// stretches the emission duration rather than raising the peak rate.
const referenceFuelLoad = 7.5

// Bounds on the assumed active emission duration [hours].
const (
	minBurnHours = 2.
	maxBurnHours = 4.
	maxEmitHours = 12.
)

// EmissionRate returns the PM2.5 emission rate Q [g/s] for a burn.
// The emitted mass is EF·area; it is released over the burn duration,
// which is the requested window (bounded to [2 h, 4 h]) stretched in
// proportion to the declared fuel loading.
func EmissionRate(req *burncoord.BurnRequest) float64 {
	ef, ok := emissionFactors[req.Crop]
	if !ok {
		ef = emissionFactors[burncoord.CropOther]
	}
	massKg := ef * req.AreaHa

	hours := req.Window.Hours()
	if hours < minBurnHours {
		hours = minBurnHours
	}
	if hours > maxBurnHours {
		hours = maxBurnHours
	}
	if req.FuelLoad > referenceFuelLoad {
		hours *= req.FuelLoad / referenceFuelLoad
		if hours > maxEmitHours {
			hours = maxEmitHours
		}
	}
	return massKg * 1000 / (hours * 3600) // [g/s]
}
