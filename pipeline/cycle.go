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
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/schedule"
	"github.com/spatialmodel/burncoord/weather"
)

// Run drives the periodic optimization cycles until ctx is cancelled.
// Weather-change triggers run a cycle early.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Config.Cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return burncoord.WrapErr(burncoord.KindCancelled, ctx.Err(), "pipeline: run loop stopped")
		case <-ticker.C:
		case <-p.kick:
		}
		date := p.now().UTC().Truncate(24 * time.Hour)
		if _, err := p.RunOptimizationCycle(ctx, date); err != nil &&
			burncoord.KindOf(err) != burncoord.KindFeasibility {
			p.Log.WithError(err).Error("pipeline: optimization cycle")
		}
	}
}

// TriggerCycle requests an optimization cycle outside the regular
// period. It never blocks; a trigger while one is already pending is a
// no-op.
func (p *Pipeline) TriggerCycle() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// RunOptimizationCycle batches the schedulable burns for a date
// through conflict detection and the optimizer, persists the new
// schedule version, applies the status transitions, and notifies
// owners of changes. The run operates on a snapshot: requests and
// conflicts are loaded once at the start, and requests arriving during
// the run wait for the next cycle. A FEASIBILITY error is returned
// together with the partial result when not every request could be
// placed.
func (p *Pipeline) RunOptimizationCycle(ctx context.Context, date time.Time) (*schedule.Result, error) {
	// Every submission's asynchronous stages finish, or record their
	// failure, before the snapshot is taken.
	p.drain()

	ctx, cancel := context.WithTimeout(ctx, p.Config.OptimizeTimeout)
	defer cancel()

	date = date.UTC().Truncate(24 * time.Hour)
	reqs, err := p.Store.SchedulableRequests(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return &schedule.Result{}, nil
	}

	conflicts, err := p.refreshConflicts(ctx, date)
	if err != nil {
		return nil, err
	}
	predictions := p.loadPredictions(ctx, reqs)

	in := &schedule.Input{
		Requests:    reqs,
		Conflicts:   conflicts,
		Predictions: predictions,
		Weather:     p.slotScorer(ctx, centerOf(reqs), date),
	}
	result, optErr := p.Optimizer.Optimize(ctx, in)
	if optErr != nil && (burncoord.KindOf(optErr) != burncoord.KindFeasibility || result == nil) {
		return nil, optErr
	}

	version, err := p.Store.SaveSchedule(ctx, result.Schedule)
	if err != nil {
		return result, err
	}
	p.Log.WithFields(logrus.Fields{
		"date": date.Format("2006-01-02"), "requests": len(reqs),
		"conflicts": len(conflicts), "version": version,
		"finalCost": fmt.Sprintf("%.1f", result.FinalCost),
	}).Info("pipeline: schedule optimized")

	p.applySchedule(ctx, reqs, result.Schedule)
	return result, optErr
}

// refreshConflicts re-detects the conflicts for a date, persists them,
// and returns the stored snapshot. When conflict detection cannot run
// (typically no weather yet), the previously stored conflicts are
// used.
func (p *Pipeline) refreshConflicts(ctx context.Context, date time.Time) ([]*burncoord.Conflict, error) {
	// Mid-morning, the usual ignition time, so the weather lookup
	// lands near the stored observations.
	detected, err := p.Predictor.DetectAllConflicts(ctx, p.Store, date.Add(10*time.Hour))
	if err != nil {
		if burncoord.KindOf(err) == burncoord.KindCancelled {
			return nil, err
		}
		p.Log.WithError(err).Warn("pipeline: conflict detection; using stored conflicts")
	}
	for _, c := range detected {
		if _, err := p.Store.UpsertConflict(ctx, c); err != nil {
			p.Log.WithError(err).WithField("pair", c.PairKey).Error("pipeline: storing conflict")
		}
	}
	return p.Store.ConflictsForDate(ctx, date)
}

// loadPredictions gathers the latest smoke prediction per request on
// the worker pool. Requests without one contribute no PM2.5 penalty.
func (p *Pipeline) loadPredictions(ctx context.Context, reqs []*burncoord.BurnRequest) map[int64]*burncoord.SmokePrediction {
	preds := make([]*burncoord.SmokePrediction, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.Workers)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			pred, err := p.Store.LatestPrediction(gctx, r.ID)
			if err != nil {
				if burncoord.KindOf(err) != burncoord.KindNotFound {
					p.Log.WithError(err).WithField("request", r.ID).Warn("pipeline: loading prediction")
				}
				return nil
			}
			preds[i] = pred
			return nil
		})
	}
	g.Wait() // errors are degraded above, never returned
	out := map[int64]*burncoord.SmokePrediction{}
	for i, r := range reqs {
		if preds[i] != nil {
			out[r.ID] = preds[i]
		}
	}
	return out
}

// centerOf is the mean centroid of a batch of requests.
func centerOf(reqs []*burncoord.BurnRequest) geom.Point {
	var c geom.Point
	for _, r := range reqs {
		c.X += r.Centroid.X
		c.Y += r.Centroid.Y
	}
	c.X /= float64(len(reqs))
	c.Y /= float64(len(reqs))
	return c
}

// maxSlotGap is the largest forecast distance a slot score may be
// interpolated from.
const maxSlotGap = 3 * time.Hour

// slotScorer rates candidate schedule slots from one forecast fetch
// around the batch's center. A failed fetch degrades to nil, which
// treats every slot as ideal rather than blocking the schedule on a
// weather outage.
func (p *Pipeline) slotScorer(ctx context.Context, center geom.Point, date time.Time) schedule.SlotScorer {
	// Slots range over ±3 days around the requested date.
	horizon := date.Add(4 * 24 * time.Hour).Sub(p.now())
	if horizon < time.Hour {
		horizon = time.Hour
	}
	obses, _, err := p.Weather.FetchForecast(ctx, center.Y, center.X, horizon)
	if err != nil {
		p.Log.WithError(err).Warn("pipeline: forecast for slot scoring; treating slots as ideal")
		return nil
	}
	type slot struct {
		t        time.Time
		score    float64
		suitable bool
	}
	slots := make([]slot, 0, len(obses))
	for _, o := range obses {
		a := weather.Evaluate(o)
		slots = append(slots, slot{t: o.Time, score: a.Score, suitable: a.Suitable})
	}
	return func(d time.Time, startHour int) (float64, bool) {
		t := d.Add(time.Duration(startHour) * time.Hour)
		best := -1
		bestGap := maxSlotGap + 1
		for i := range slots {
			gap := slots[i].t.Sub(t)
			if gap < 0 {
				gap = -gap
			}
			if gap < bestGap {
				best, bestGap = i, gap
			}
		}
		if best < 0 || bestGap > maxSlotGap {
			// No forecast covers the slot; leave it neutral.
			return 0, true
		}
		return slots[best].score, slots[best].suitable
	}
}

// applySchedule moves request statuses to match the new schedule and
// notifies owners: approvals for newly placed burns, reschedule
// notices for moved ones, and deferral notices.
func (p *Pipeline) applySchedule(ctx context.Context, reqs []*burncoord.BurnRequest, entries []*burncoord.ScheduleEntry) {
	byID := make(map[int64]*burncoord.BurnRequest, len(reqs))
	for _, r := range reqs {
		byID[r.ID] = r
	}
	for _, e := range entries {
		req, ok := byID[e.RequestID]
		if !ok {
			continue
		}
		if e.Deferred {
			if req.Status == burncoord.StatusScheduled {
				if err := p.Store.UpdateRequestStatus(ctx, req.ID, burncoord.StatusPending); err != nil {
					p.Log.WithError(err).WithField("request", req.ID).Error("pipeline: deferring request")
					continue
				}
			}
			typ := burncoord.AlertSchedule
			if e.Reason == schedule.ReasonWeatherUnsuitable {
				typ = burncoord.AlertWeatherDef
			}
			p.notify(req, typ, map[string]string{
				"requestId": fmt.Sprint(req.ID),
				"date":      req.Date.Format("2006-01-02"),
				"window":    windowString(req.Window),
				"reason":    e.Reason,
			})
			continue
		}

		moved := !e.Date.Equal(req.Date) || e.Window != req.Window
		if req.Status == burncoord.StatusPending {
			if err := p.Store.UpdateRequestStatus(ctx, req.ID, burncoord.StatusScheduled); err != nil {
				p.Log.WithError(err).WithField("request", req.ID).Error("pipeline: scheduling request")
				continue
			}
			if !moved {
				p.notify(req, burncoord.AlertApproval, map[string]string{
					"requestId": fmt.Sprint(req.ID),
					"crop":      string(req.Crop),
					"date":      e.Date.Format("2006-01-02"),
					"window":    windowString(e.Window),
					"priority":  fmt.Sprint(req.Priority),
				})
				continue
			}
		}
		if moved {
			p.notify(req, burncoord.AlertSchedule, map[string]string{
				"requestId": fmt.Sprint(req.ID),
				"date":      e.Date.Format("2006-01-02"),
				"window":    windowString(e.Window),
				"reason":    "schedule optimization",
			})
		}
	}
}

// notify sends one alert to a request's farm owner. Alerting is best
// effort; failures are logged and never fail the cycle.
func (p *Pipeline) notify(req *burncoord.BurnRequest, typ burncoord.AlertType, vars map[string]string) {
	if p.Alerts == nil {
		return
	}
	// Alert delivery outlives the optimizer deadline.
	ctx, cancel := context.WithTimeout(context.Background(), p.Config.AlertTimeout)
	defer cancel()

	farm, err := p.Store.Farm(ctx, req.FarmID)
	if err != nil {
		p.Log.WithError(err).WithField("farm", req.FarmID).Warn("pipeline: loading farm for alert")
		return
	}
	a := &burncoord.Alert{
		Type:      typ,
		Variables: vars,
		Recipients: []burncoord.Recipient{{
			ID: farm.ID, FarmID: farm.ID, Name: farm.OwnerName,
			Phone: farm.Phone, Email: farm.Email,
		}},
	}
	if _, err := p.Alerts.Send(ctx, a); err != nil {
		p.Log.WithError(err).WithFields(logrus.Fields{
			"request": req.ID, "type": typ,
		}).Warn("pipeline: sending alert")
	}
}

func windowString(w burncoord.TimeWindow) string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		w.StartMinute/60, w.StartMinute%60, w.EndMinute/60, w.EndMinute%60)
}
