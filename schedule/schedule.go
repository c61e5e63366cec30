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

// Package schedule assigns burn requests to dates and time windows by
// simulated annealing, minimizing conflict, over-exposure, delay, and
// bad-weather cost.
package schedule

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// Deferral and rejection reasons recorded on schedule entries.
const (
	ReasonWeatherUnsuitable = "weather_unsuitable"
	ReasonConflictAvoidance = "conflict_avoidance"
	ReasonNoFeasibleSlot    = "no_feasible_slot"
)

// Legal burn hours: ignition no earlier than 06:00, smoke generation
// done by 16:00.
const (
	legalStartHour = 6
	legalEndHour   = 16
)

// dateShiftDays is how far from the requested date a burn may move.
const dateShiftDays = 3

// Weights are the cost-function weights.
type Weights struct {
	Conflict float64 // per active conflict, scaled by severity
	PM25     float64 // per (μg/m³ above the NAAQS)²
	Priority float64 // per priority point per hour of delay
	Weather  float64 // per unit of (1 − slot weather score)
	Defer    float64 // per deferred request
}

// Params tunes one optimizer run.
type Params struct {
	T0    float64 // initial temperature
	TMin  float64 // stop when temperature falls below this
	Alpha float64 // geometric cooling factor ∈ [0.90, 0.99]
	// MaxIterations bounds the run. Zero means 1000 × |requests|.
	MaxIterations int
	// Seed makes runs reproducible: identical inputs and seed produce
	// an identical schedule.
	Seed    int64
	Weights Weights
}

// DefaultParams returns the documented default parameters.
func DefaultParams() Params {
	return Params{
		T0:    1000,
		TMin:  1,
		Alpha: 0.95,
		Weights: Weights{
			Conflict: 50,
			PM25:     1,
			Priority: 0.1,
			Weather:  10,
			Defer:    100,
		},
	}
}

// sanitize fills zero parameters with defaults and clamps alpha.
func (p Params) sanitize(nRequests int) Params {
	d := DefaultParams()
	if p.T0 <= 0 {
		p.T0 = d.T0
	}
	if p.TMin <= 0 {
		p.TMin = d.TMin
	}
	if p.Alpha <= 0 {
		p.Alpha = d.Alpha
	}
	if p.Alpha < 0.90 {
		p.Alpha = 0.90
	}
	if p.Alpha > 0.99 {
		p.Alpha = 0.99
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = 1000 * nRequests
	}
	if (p.Weights == Weights{}) {
		p.Weights = d.Weights
	}
	return p
}

// SlotScorer rates the weather in a candidate slot. Score is in
// [0, 1]; suitable false excludes the slot from the feasible set.
type SlotScorer func(date time.Time, startHour int) (score float64, suitable bool)

// Input is one optimization problem.
type Input struct {
	Requests  []*burncoord.BurnRequest
	Conflicts []*burncoord.Conflict
	// Predictions supplies the expected maximum PM2.5 per request id
	// for the over-exposure penalty. Missing entries contribute zero.
	Predictions map[int64]*burncoord.SmokePrediction
	// Weather rates candidate slots. Nil treats every slot as ideal.
	Weather SlotScorer
	// PersistenceHours pads windows when deciding whether a conflict
	// is active under an assignment. Zero means 2.
	PersistenceHours float64
}

// Improvements summarizes what a run achieved.
type Improvements struct {
	ConflictsResolved int     `json:"conflictsResolved"`
	InitialCost       float64 `json:"initialCost"`
	FinalCost         float64 `json:"finalCost"`
	Iterations        int     `json:"iterations"`
	Converged         bool    `json:"converged"`
}

// Result is the outcome of one optimizer run. Schedule holds exactly
// one entry per input request, ordered by request id.
type Result struct {
	Schedule     []*burncoord.ScheduleEntry `json:"schedule"`
	Improvements Improvements               `json:"improvements"`
	Iterations   int                        `json:"iterations"`
	FinalCost    float64                    `json:"finalCost"`
}

// Optimizer runs simulated annealing over burn schedules.
type Optimizer struct {
	Params Params
	Log    logrus.FieldLogger
}

// New creates an Optimizer with the given parameters.
func New(params Params) *Optimizer {
	return &Optimizer{Params: params, Log: logrus.StandardLogger()}
}
