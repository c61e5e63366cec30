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
	"fmt"
	"math"
	"time"

	"github.com/spatialmodel/burncoord"
)

// Terrain vector dimension allocation: 17 structural dims followed by
// 15 semantic dims from the optional text-embedding provider.
// Elevation, slope, and fuel load feed the synthesized description
// rather than taking structural slots.
const (
	tvLon       = 0
	tvLat       = 1
	tvAcres     = 2
	tvStartHour = 3
	tvWinLen    = 4
	tvCrop      = 5  // dims 5–14: crop one-hot
	tvMonth     = 15
	tvWeekday   = 16
	tvSemantic  = 17 // dims 17–31
	semanticDims = burncoord.TerrainDims - tvSemantic
)

// embedTimeout bounds the optional embedding-provider call.
const embedTimeout = 5 * time.Second

// terrainVector encodes a submission into the 32-dimensional embedding
// used for similarity search against historical burns. The semantic
// dims come from the embedding provider when available; on any
// provider failure they are zero and submission proceeds.
func (c *Coordinator) terrainVector(ctx context.Context, sub *Submission) []float32 {
	v := make([]float32, burncoord.TerrainDims)

	cen := sub.Boundary.Centroid()
	v[tvLon] = float32((cen.X + 180) / 360)
	v[tvLat] = float32((cen.Y + 90) / 180)
	v[tvAcres] = float32(math.Min(sub.AreaHa*acresPerHa/1000, 1))
	v[tvStartHour] = float32(float64(sub.Window.StartMinute) / 60 / 24)
	v[tvWinLen] = float32(math.Min(sub.Window.Hours()/12, 1))

	for i, crop := range burncoord.CropTypes {
		if crop == sub.Crop && i < 10 {
			v[tvCrop+i] = 1
		}
	}

	v[tvMonth] = float32(float64(sub.Date.Month()) / 12)
	v[tvWeekday] = float32(float64(sub.Date.Weekday()) / 7)

	if c.Embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()
		emb, err := c.Embedder.Embed(ectx, describeSubmission(sub, cen.X, cen.Y))
		if err != nil {
			c.Log.WithError(err).Warn("coordinate: embedding provider failed; semantic dims zeroed")
		} else {
			for i := 0; i < semanticDims && i < len(emb); i++ {
				v[tvSemantic+i] = emb[i]
			}
		}
	}

	return burncoord.Normalize(burncoord.SanitizeVector(v))
}

// describeSubmission synthesizes the text sent to the embedding
// provider.
func describeSubmission(sub *Submission, lon, lat float64) string {
	return fmt.Sprintf(
		"%s residue burn of %.0f hectares at %.3f, %.3f; fuel load %.1f Mg/ha; "+
			"elevation %.0f m; slope %.1f degrees; window %02d:%02d to %02d:%02d on %s",
		sub.Crop, sub.AreaHa, lat, lon, sub.FuelLoad,
		sub.ElevationM, sub.SlopeDeg,
		sub.Window.StartMinute/60, sub.Window.StartMinute%60,
		sub.Window.EndMinute/60, sub.Window.EndMinute%60,
		sub.Date.Format("2006-01-02"))
}
