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

package schedule

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/spatialmodel/burncoord"
)

// ctxCheckInterval is how many annealing steps run between
// cancellation checks.
const ctxCheckInterval = 256

// deferred marks an unassigned candidate in the annealing state.
const deferred = -1

// slot is one candidate placement.
type slot struct {
	date     time.Time // UTC midnight
	startMin int
	score    float64 // weather score [0, 1]
}

// candidate is one request with its feasible placements.
type candidate struct {
	req     *burncoord.BurnRequest
	winMin  int
	slots   []slot
	byKey   map[string]int // slot lookup for swaps
	reason  string         // forced deferral/rejection reason, "" if movable
	pm25Pen float64        // w_pm25 · max(0, maxPM25 − NAAQS)²
}

// pairPenalty is a conflict between two candidate indexes.
type pairPenalty struct {
	a, b   int
	weight float64
}

// Optimize assigns every input request to a (date, window) slot or
// defers it, minimizing the weighted cost by simulated annealing. The
// same input and seed always produce the identical result. When no
// request could be scheduled at all, the partial result is returned
// together with a FEASIBILITY error.
func (o *Optimizer) Optimize(ctx context.Context, in *Input) (*Result, error) {
	if len(in.Requests) == 0 {
		return &Result{Schedule: []*burncoord.ScheduleEntry{}}, nil
	}
	p := o.Params.sanitize(len(in.Requests))
	persistence := in.PersistenceHours
	if persistence <= 0 {
		persistence = 2
	}

	cands := o.buildCandidates(in, p)
	pairs := buildPairs(in, cands, p)

	assign := greedyInitial(cands, pairs, persistence)
	initialCost := cost(assign, cands, pairs, p, persistence)

	best := make([]int, len(assign))
	copy(best, assign)
	bestCost := initialCost
	// Conflicts were detected against the requested placements, so
	// resolution is measured against those, not the greedy start.
	initialActive := requestedConflicts(cands, pairs, persistence)

	movable := movableIndexes(cands)
	iterations := 0
	converged := false

	if len(movable) > 0 {
		rng := rand.New(rand.NewSource(p.Seed))
		cur := assign
		curCost := initialCost
		T := p.T0
		epoch := len(movable)

		for iterations < p.MaxIterations {
			if T < p.TMin {
				converged = true
				break
			}
			if iterations%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, burncoord.WrapErr(burncoord.KindCancelled, err, "schedule: optimization cancelled")
				}
			}

			i, j, prevI, prevJ, changed := neighbor(rng, cur, cands, movable)
			iterations++
			if iterations%epoch == 0 {
				T *= p.Alpha
			}
			if !changed {
				continue
			}
			newCost := cost(cur, cands, pairs, p, persistence)
			delta := newCost - curCost
			if delta < 0 || rng.Float64() < math.Exp(-delta/T) {
				curCost = newCost
				if curCost < bestCost {
					bestCost = curCost
					copy(best, cur)
				}
			} else {
				// Undo.
				cur[i] = prevI
				if j >= 0 {
					cur[j] = prevJ
				}
			}
		}
	} else {
		converged = true
	}

	finalActive := activeConflicts(best, cands, pairs, persistence)
	resolved := initialActive - finalActive
	if resolved < 0 {
		resolved = 0
	}

	res := &Result{
		Schedule:   buildEntries(best, cands, p),
		Iterations: iterations,
		FinalCost:  bestCost,
		Improvements: Improvements{
			ConflictsResolved: resolved,
			InitialCost:       initialCost,
			FinalCost:         bestCost,
			Iterations:        iterations,
			Converged:         converged,
		},
	}

	scheduled := 0
	for _, e := range res.Schedule {
		if !e.Deferred {
			scheduled++
		}
	}
	if scheduled == 0 {
		return res, burncoord.Errorf(burncoord.KindFeasibility,
			"schedule: no request could be scheduled (%d deferred or rejected)", len(res.Schedule))
	}
	return res, nil
}

// buildCandidates enumerates the feasible slots per request: dates
// within ±3 days of the requested date, legal hours, and
// weather-suitable. Requests with no legal slot are rejected; requests
// whose every legal slot fails weather suitability are deferred.
func (o *Optimizer) buildCandidates(in *Input, p Params) []*candidate {
	reqs := make([]*burncoord.BurnRequest, len(in.Requests))
	copy(reqs, in.Requests)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })

	cands := make([]*candidate, 0, len(reqs))
	for _, req := range reqs {
		winMin := req.Window.EndMinute - req.Window.StartMinute
		c := &candidate{
			req:    req,
			winMin: winMin,
			byKey:  map[string]int{},
		}
		if pred, ok := in.Predictions[req.ID]; ok {
			over := pred.MaxPM25 - burncoord.PM25NAAQS
			if over > 0 {
				c.pm25Pen = p.Weights.PM25 * over * over
			}
		}

		winHours := (winMin + 59) / 60
		legal := 0
		base := req.Date.UTC().Truncate(24 * time.Hour)
		for dayOff := -dateShiftDays; dayOff <= dateShiftDays; dayOff++ {
			date := base.AddDate(0, 0, dayOff)
			for h := legalStartHour; h+winHours <= legalEndHour; h++ {
				legal++
				score, suitable := 1.0, true
				if in.Weather != nil {
					score, suitable = in.Weather(date, h)
				}
				if !suitable {
					continue
				}
				s := slot{date: date, startMin: h * 60, score: burncoord.ClampFinite(score, 0, 1)}
				c.byKey[slotKey(s)] = len(c.slots)
				c.slots = append(c.slots, s)
			}
		}
		switch {
		case legal == 0:
			c.reason = ReasonNoFeasibleSlot
		case len(c.slots) == 0:
			c.reason = ReasonWeatherUnsuitable
		}
		cands = append(cands, c)
	}
	return cands
}

func slotKey(s slot) string {
	return fmt.Sprintf("%s:%02d", s.date.Format("2006-01-02"), s.startMin/60)
}

// buildPairs maps input conflicts onto candidate index pairs.
func buildPairs(in *Input, cands []*candidate, p Params) []pairPenalty {
	byID := make(map[int64]int, len(cands))
	for i, c := range cands {
		byID[c.req.ID] = i
	}
	var pairs []pairPenalty
	for _, cf := range in.Conflicts {
		a, okA := byID[cf.RequestA]
		b, okB := byID[cf.RequestB]
		if !okA || !okB {
			continue
		}
		pairs = append(pairs, pairPenalty{a: a, b: b, weight: cf.Severity.Weight()})
	}
	return pairs
}

// movableIndexes lists the candidates the annealer may move.
func movableIndexes(cands []*candidate) []int {
	var out []int
	for i, c := range cands {
		if c.reason == "" && len(c.slots) > 0 {
			out = append(out, i)
		}
	}
	return out
}

// greedyInitial places requests by descending priority into their
// best-weather feasible slot, preferring slots that do not activate a
// known conflict with already-placed requests.
func greedyInitial(cands []*candidate, pairs []pairPenalty, persistence float64) []int {
	order := make([]int, 0, len(cands))
	for i := range cands {
		order = append(order, i)
	}
	sort.Slice(order, func(x, y int) bool {
		a, b := cands[order[x]], cands[order[y]]
		if a.req.Priority != b.req.Priority {
			return a.req.Priority > b.req.Priority
		}
		return a.req.ID < b.req.ID
	})

	assign := make([]int, len(cands))
	for i := range assign {
		assign[i] = deferred
	}
	for _, ci := range order {
		c := cands[ci]
		if c.reason != "" || len(c.slots) == 0 {
			continue
		}
		bestIdx, bestClean := -1, -1
		for si := range c.slots {
			assign[ci] = si
			clean := !activatesConflict(ci, assign, cands, pairs, persistence)
			assign[ci] = deferred
			if clean && (bestClean == -1 || better(c.slots[si], c.slots[bestClean])) {
				bestClean = si
			}
			if bestIdx == -1 || better(c.slots[si], c.slots[bestIdx]) {
				bestIdx = si
			}
		}
		if bestClean >= 0 {
			assign[ci] = bestClean
		} else {
			assign[ci] = bestIdx
		}
	}
	return assign
}

// better orders slots by descending weather score, then earlier date,
// then earlier hour.
func better(a, b slot) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.date.Equal(b.date) {
		return a.date.Before(b.date)
	}
	return a.startMin < b.startMin
}

// neighbor applies one random move in place and reports what changed
// so the caller can undo it. j is -1 unless two candidates moved.
func neighbor(rng *rand.Rand, assign []int, cands []*candidate, movable []int) (i, j, prevI, prevJ int, changed bool) {
	j = -1
	switch rng.Intn(4) {
	case 0: // time-shift one request
		i = movable[rng.Intn(len(movable))]
		prevI = assign[i]
		if prevI == deferred {
			return i, j, prevI, prevJ, false
		}
		next := rng.Intn(len(cands[i].slots))
		if next == prevI {
			return i, j, prevI, prevJ, false
		}
		assign[i] = next
		return i, j, prevI, prevJ, true

	case 1: // swap slots between two requests
		if len(movable) < 2 {
			return 0, j, 0, 0, false
		}
		i = movable[rng.Intn(len(movable))]
		j = movable[rng.Intn(len(movable))]
		if i == j || assign[i] == deferred || assign[j] == deferred {
			return i, j, assign[i], 0, false
		}
		si, sj := cands[i].slots[assign[i]], cands[j].slots[assign[j]]
		ni, okI := cands[i].byKey[slotKey(sj)]
		nj, okJ := cands[j].byKey[slotKey(si)]
		if !okI || !okJ {
			return i, j, assign[i], assign[j], false
		}
		prevI, prevJ = assign[i], assign[j]
		assign[i], assign[j] = ni, nj
		return i, j, prevI, prevJ, true

	case 2: // defer one request
		i = movable[rng.Intn(len(movable))]
		prevI = assign[i]
		if prevI == deferred {
			return i, j, prevI, prevJ, false
		}
		assign[i] = deferred
		return i, j, prevI, prevJ, true

	default: // reinstate a deferred request
		i = movable[rng.Intn(len(movable))]
		prevI = assign[i]
		if prevI != deferred {
			return i, j, prevI, prevJ, false
		}
		assign[i] = rng.Intn(len(cands[i].slots))
		return i, j, prevI, prevJ, true
	}
}

// assignedWindow returns the window a candidate occupies under its
// current slot.
func assignedWindow(c *candidate, s slot) burncoord.TimeWindow {
	return burncoord.TimeWindow{StartMinute: s.startMin, EndMinute: s.startMin + c.winMin}
}

// pairActive reports whether a conflict pair is active: both scheduled
// on the same date with overlapping (persistence-padded) windows.
func pairActive(pp pairPenalty, assign []int, cands []*candidate, persistence float64) bool {
	ai, bi := assign[pp.a], assign[pp.b]
	if ai == deferred || bi == deferred {
		return false
	}
	sa, sb := cands[pp.a].slots[ai], cands[pp.b].slots[bi]
	if !sa.date.Equal(sb.date) {
		return false
	}
	wa := assignedWindow(cands[pp.a], sa)
	wb := assignedWindow(cands[pp.b], sb)
	return wa.Overlaps(wb, persistence)
}

// activatesConflict reports whether candidate ci's current assignment
// participates in any active conflict.
func activatesConflict(ci int, assign []int, cands []*candidate, pairs []pairPenalty, persistence float64) bool {
	for _, pp := range pairs {
		if (pp.a == ci || pp.b == ci) && pairActive(pp, assign, cands, persistence) {
			return true
		}
	}
	return false
}

func activeConflicts(assign []int, cands []*candidate, pairs []pairPenalty, persistence float64) int {
	n := 0
	for _, pp := range pairs {
		if pairActive(pp, assign, cands, persistence) {
			n++
		}
	}
	return n
}

// requestedConflicts counts the pairs that are active when every
// request sits in its originally requested date and window.
func requestedConflicts(cands []*candidate, pairs []pairPenalty, persistence float64) int {
	n := 0
	for _, pp := range pairs {
		ra, rb := cands[pp.a].req, cands[pp.b].req
		da := ra.Date.UTC().Truncate(24 * time.Hour)
		db := rb.Date.UTC().Truncate(24 * time.Hour)
		if da.Equal(db) && ra.Window.Overlaps(rb.Window, persistence) {
			n++
		}
	}
	return n
}

// delayHours is the absolute shift of a slot from the requested date
// and window start.
func delayHours(c *candidate, s slot) float64 {
	requested := c.req.Date.UTC().Truncate(24 * time.Hour).
		Add(time.Duration(c.req.Window.StartMinute) * time.Minute)
	got := s.date.Add(time.Duration(s.startMin) * time.Minute)
	return math.Abs(got.Sub(requested).Hours())
}

// cost evaluates the full cost function for an assignment.
func cost(assign []int, cands []*candidate, pairs []pairPenalty, p Params, persistence float64) float64 {
	var total float64
	for _, pp := range pairs {
		if pairActive(pp, assign, cands, persistence) {
			total += p.Weights.Conflict * pp.weight
		}
	}
	for i, c := range cands {
		if assign[i] == deferred {
			total += p.Weights.Defer
			continue
		}
		s := c.slots[assign[i]]
		total += c.pm25Pen
		total += p.Weights.Priority * float64(c.req.Priority) * delayHours(c, s)
		total += p.Weights.Weather * (1 - s.score)
	}
	return total
}

// buildEntries converts the best assignment into schedule entries,
// one per request, ordered by request id.
func buildEntries(assign []int, cands []*candidate, p Params) []*burncoord.ScheduleEntry {
	entries := make([]*burncoord.ScheduleEntry, 0, len(cands))
	for i, c := range cands {
		e := &burncoord.ScheduleEntry{RequestID: c.req.ID}
		switch {
		case c.reason != "":
			e.Deferred = true
			e.Reason = c.reason
			e.Cost = p.Weights.Defer
		case assign[i] == deferred:
			e.Deferred = true
			e.Reason = ReasonConflictAvoidance
			e.Cost = p.Weights.Defer
		default:
			s := c.slots[assign[i]]
			e.Date = s.date
			e.Window = assignedWindow(c, s)
			e.Cost = c.pm25Pen +
				p.Weights.Priority*float64(c.req.Priority)*delayHours(c, s) +
				p.Weights.Weather*(1-s.score)
		}
		entries = append(entries, e)
	}
	return entries
}
