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
	"context"
	"math"

	"github.com/spatialmodel/burncoord"
)

const acresPerHa = 2.47105

// cropRanks orders crops by how urgently their residue needs burning:
// rice straw decomposes poorly and carries disease, cotton and
// sunflower stalks harbor pests, cereal stubble is flexible.
var cropRanks = map[burncoord.CropType]float64{
	burncoord.CropRice:      10,
	burncoord.CropCotton:    9,
	burncoord.CropSunflower: 8,
	burncoord.CropWheat:     7,
	burncoord.CropBarley:    6,
	burncoord.CropOats:      6,
	burncoord.CropSorghum:   6,
	burncoord.CropCorn:      5,
	burncoord.CropSoybeans:  5,
	burncoord.CropOther:     4,
}

// weatherSensitive crops lose their burn quality quickly when residue
// takes on moisture.
var weatherSensitive = map[burncoord.CropType]bool{
	burncoord.CropRice:      true,
	burncoord.CropCotton:    true,
	burncoord.CropSunflower: true,
}

// Priority factor weights. They sum to 1.
const (
	wAcreage     = 0.25
	wCropRank    = 0.20
	wWindowFlex  = 0.15
	wWeatherSens = 0.15
	wProximity   = 0.15
	wHistory     = 0.10
)

// defaultProximity stands in for proximity-to-population until a
// population raster is wired up.
const defaultProximity = 5.

// priority computes the deterministic priority score ∈ [1, 10] for a
// submission, blending an operator override at 30% when present.
func (c *Coordinator) priority(ctx context.Context, sub *Submission) int {
	acres := sub.AreaHa * acresPerHa
	acreage := math.Min(acres/1000, 1) * 10

	rank, ok := cropRanks[sub.Crop]
	if !ok {
		rank = cropRanks[burncoord.CropOther]
	}

	flex := math.Min(sub.Window.Hours()/8, 1) * 10

	sens := 5.
	if weatherSensitive[sub.Crop] {
		sens = 8
	}

	hist := c.historicalSuccess(ctx, sub.Crop)

	score := acreage*wAcreage +
		rank*wCropRank +
		flex*wWindowFlex +
		sens*wWeatherSens +
		defaultProximity*wProximity +
		hist*wHistory

	if o := sub.PriorityOverride; o >= 1 && o <= 10 {
		score = 0.7*score + 0.3*float64(o)
	}

	p := int(math.Round(score))
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// historicalSuccess scores the crop's completed/total burn ratio on
// [0, 10], defaulting to the neutral 5 when there is no history or the
// store query fails.
func (c *Coordinator) historicalSuccess(ctx context.Context, crop burncoord.CropType) float64 {
	rate, ok, err := c.Store.CropSuccessRate(ctx, crop)
	if err != nil {
		c.Log.WithError(err).Warn("coordinate: crop success rate unavailable")
		return 5
	}
	if !ok {
		return 5
	}
	return burncoord.ClampFinite(rate, 0, 1) * 10
}
