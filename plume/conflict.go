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
	"context"
	"sort"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/internal/hash"
)

// minOverlapKm2 is the intersection area [km²] above which a pair is
// reported even when the combined concentration stays below the NAAQS.
const minOverlapKm2 = 0.1

// ctxCheckInterval is how many grid samples to process between
// cancellation checks.
const ctxCheckInterval = 256

// RequestSource loads schedulable burns and their weather for a date.
// It is implemented by the store package.
type RequestSource interface {
	SchedulableRequests(ctx context.Context, date time.Time) ([]*burncoord.BurnRequest, error)
	ObservationNear(ctx context.Context, loc geom.Point, t time.Time) (*burncoord.WeatherObservation, error)
}

// PairConflicts detects conflicts among the given burns under the
// given weather. Burns on different dates or with disjoint (padded)
// time windows never conflict. The result is ordered by ascending
// (RequestA, RequestB); re-running on unchanged inputs yields an
// identical set.
func (p *Predictor) PairConflicts(ctx context.Context, burns []*burncoord.BurnRequest, obs *burncoord.WeatherObservation) ([]*burncoord.Conflict, error) {
	if obs == nil {
		return nil, burncoord.Errorf(burncoord.KindPrecond, "plume: no weather observation for conflict detection")
	}

	// Deterministic pair ordering: request id ascending.
	sorted := make([]*burncoord.BurnRequest, len(burns))
	copy(sorted, burns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	type member struct {
		req  *burncoord.BurnRequest
		s    *sampler
		poly geom.Polygon // plume in WGS84 degrees
	}
	members := make([]*member, 0, len(sorted))
	for _, req := range sorted {
		if len(req.Boundary) > 0 && !ringClosed(req.Boundary) {
			p.Log.WithField("request", req.ID).Warn("plume: skipping request with degenerate boundary")
			continue
		}
		pred, err := p.Predict(ctx, req, obs)
		if err != nil {
			return nil, err
		}
		members = append(members, &member{req: req, s: p.newSampler(req, obs), poly: pred.Plume})
	}

	var conflicts []*burncoord.Conflict
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if !sameDay(a.req.Date, b.req.Date) {
				continue
			}
			if !a.req.Window.Overlaps(b.req.Window, p.Config.PersistenceHours) {
				continue
			}
			c, err := p.pairConflict(ctx, a.req, b.req, a.s, b.s, a.poly, b.poly)
			if err != nil {
				return nil, err
			}
			if c != nil {
				conflicts = append(conflicts, c)
			}
		}
	}
	return conflicts, nil
}

// pairConflict intersects two plumes and, if they overlap, samples the
// combined concentration field across the intersection. It returns nil
// when the pair does not meet the conflict threshold.
func (p *Predictor) pairConflict(ctx context.Context, ra, rb *burncoord.BurnRequest, sa, sb *sampler, pa, pb geom.Polygon) (*burncoord.Conflict, error) {
	// Intersect in a shared local frame so areas come out in meters.
	mid := newFrame(midpoint(centroidOf(ra), centroidOf(rb)))
	la := mid.toLocalPolygon(pa)
	lb := mid.toLocalPolygon(pb)
	overlap := la.Intersection(lb).(geom.Polygon)
	if len(overlap) == 0 {
		return nil, nil
	}
	overlapKm2 := overlap.Area() / 1e6
	if overlapKm2 <= 0 {
		return nil, nil
	}

	// Sample the combined field on a regular grid over the overlap.
	step := p.Config.GridStepM
	bounds := overlap.Bounds()
	var maxCombined float64
	n := 0
	for x := bounds.Min.X; x <= bounds.Max.X; x += step {
		for y := bounds.Min.Y; y <= bounds.Max.Y; y += step {
			n++
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, burncoord.WrapErr(burncoord.KindCancelled, err, "plume: conflict sampling cancelled")
				}
			}
			pt := geom.Point{X: x, Y: y}
			if pt.Within(overlap) != geom.Inside {
				continue
			}
			g := mid.toGeo(pt)
			if c := sa.at(g) + sb.at(g); c > maxCombined {
				maxCombined = c
			}
		}
	}
	// Small overlaps can fall between grid points; always include the
	// overlap centroid.
	g := mid.toGeo(overlap.Centroid())
	if c := sa.at(g) + sb.at(g); c > maxCombined {
		maxCombined = c
	}
	maxCombined = burncoord.ClampFinite(maxCombined, 0, 2*maxPM25)

	if maxCombined < burncoord.PM25NAAQS && overlapKm2 <= minOverlapKm2 {
		return nil, nil
	}

	a, b := ra.ID, rb.ID
	if a > b {
		a, b = b, a
	}
	day := ra.Date.UTC().Format("2006-01-02")
	return &burncoord.Conflict{
		RequestA:    a,
		RequestB:    b,
		Date:        ra.Date,
		PairKey:     hash.PairKey(a, b, day),
		Overlap:     mid.toGeoPolygon(overlap),
		OverlapKm2:  overlapKm2,
		MaxCombined: maxCombined,
		Severity:    burncoord.SeverityForPM25(maxCombined),
		Resolution:  burncoord.ResolutionPending,
		DetectedAt:  time.Now().UTC(),
	}, nil
}

// DetectAllConflicts loads the schedulable burns for a date from src,
// fetches weather near their joint centroid, and reports all pairwise
// conflicts.
func (p *Predictor) DetectAllConflicts(ctx context.Context, src RequestSource, date time.Time) ([]*burncoord.Conflict, error) {
	burns, err := src.SchedulableRequests(ctx, date)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "plume: loading requests for %s", date.Format("2006-01-02"))
	}
	if len(burns) < 2 {
		return nil, nil
	}
	var cx, cy float64
	for _, b := range burns {
		c := centroidOf(b)
		cx += c.X
		cy += c.Y
	}
	center := geom.Point{X: cx / float64(len(burns)), Y: cy / float64(len(burns))}
	obs, err := src.ObservationNear(ctx, center, date)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindPrecond, err, "plume: loading weather for %s", date.Format("2006-01-02"))
	}
	return p.PairConflicts(ctx, burns, obs)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func midpoint(a, b geom.Point) geom.Point {
	return geom.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}
