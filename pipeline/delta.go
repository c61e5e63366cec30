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

package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// obsCell buckets a location to the 0.01° grid the delta detector
// compares observations within.
func obsCell(p geom.Point) string {
	return fmt.Sprintf("%.2f:%.2f", p.Y, p.X)
}

// observe feeds an observation to the weather-change detector. When
// the delta from the previous observation of the same cell exceeds the
// configured thresholds, or the stability class changes, the stored
// predictions of nearby burns are stale: those burns are re-ingested
// and an early optimization cycle is triggered.
func (p *Pipeline) observe(obs *burncoord.WeatherObservation) {
	key := obsCell(obs.Location)
	p.mu.Lock()
	prev := p.lastObs[key]
	p.lastObs[key] = obs
	p.mu.Unlock()
	if prev == nil {
		return
	}

	dWind := math.Abs(obs.WindSpeed - prev.WindSpeed)
	dHumidity := math.Abs(obs.Humidity - prev.Humidity)
	if dWind <= p.Config.DeltaWind && dHumidity <= p.Config.DeltaHumidity &&
		obs.Stability == prev.Stability {
		return
	}

	p.Log.WithFields(logrus.Fields{
		"cell": key, "deltaWind": fmt.Sprintf("%.1f", dWind),
		"deltaHumidity": fmt.Sprintf("%.0f", dHumidity),
		"stability":     fmt.Sprintf("%s->%s", prev.Stability, obs.Stability),
	}).Warn("pipeline: significant weather change; refreshing predictions")

	p.refresh(obs.Location)
	p.TriggerCycle()
}

// refresh re-queues the ingest stages for every schedulable burn near
// a weather change, replacing their stale predictions.
func (p *Pipeline) refresh(loc geom.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Config.WeatherTimeout)
	defer cancel()
	reqs, err := p.Store.RequestsNear(ctx, loc, p.Config.RefreshRadiusKm)
	if err != nil {
		p.Log.WithError(err).Error("pipeline: loading burns near weather change")
		return
	}
	for _, r := range reqs {
		if r.Status.Schedulable() {
			p.enqueue(r.ID)
		}
	}
}
