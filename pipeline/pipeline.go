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

// Package pipeline orchestrates the burn-coordination stages: a
// submission runs the Coordinator synchronously, then weather fetch
// and smoke prediction asynchronously on a bounded worker pool, and
// periodic optimization cycles batch the schedulable burns through the
// Optimizer and notify owners of the outcome.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/alert"
	"github.com/spatialmodel/burncoord/coordinate"
	"github.com/spatialmodel/burncoord/plume"
	"github.com/spatialmodel/burncoord/schedule"
	"github.com/spatialmodel/burncoord/store"
	"github.com/spatialmodel/burncoord/weather"
)

// Config holds the orchestrator's tunables. The zero value is
// sanitized to the documented defaults.
type Config struct {
	// Workers bounds how many asynchronous ingest tasks (weather fetch
	// plus smoke prediction) run concurrently.
	Workers int
	// Cycle is the period between automatic optimization runs.
	Cycle time.Duration

	// DeltaWind and DeltaHumidity are the weather-change thresholds
	// (m/s and percentage points) beyond which stored predictions are
	// considered stale and a re-run is triggered. A stability class
	// change always triggers.
	DeltaWind     float64
	DeltaHumidity float64

	// Per-stage deadlines.
	SubmitTimeout   time.Duration
	WeatherTimeout  time.Duration
	PredictTimeout  time.Duration
	OptimizeTimeout time.Duration
	AlertTimeout    time.Duration

	// SimilarK is how many historical terrain-vector neighbours a
	// submission acknowledgment carries.
	SimilarK int
	// RefreshRadiusKm bounds which burns a weather change invalidates.
	RefreshRadiusKm float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Cycle:           15 * time.Minute,
		DeltaWind:       5,
		DeltaHumidity:   20,
		SubmitTimeout:   5 * time.Second,
		WeatherTimeout:  10 * time.Second,
		PredictTimeout:  2 * time.Second,
		OptimizeTimeout: 30 * time.Second,
		AlertTimeout:    15 * time.Second,
		SimilarK:        5,
		RefreshRadiusKm: 30,
	}
}

func (c *Config) sanitize() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Cycle <= 0 {
		c.Cycle = d.Cycle
	}
	if c.DeltaWind <= 0 {
		c.DeltaWind = d.DeltaWind
	}
	if c.DeltaHumidity <= 0 {
		c.DeltaHumidity = d.DeltaHumidity
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.WeatherTimeout <= 0 {
		c.WeatherTimeout = d.WeatherTimeout
	}
	if c.PredictTimeout <= 0 {
		c.PredictTimeout = d.PredictTimeout
	}
	if c.OptimizeTimeout <= 0 {
		c.OptimizeTimeout = d.OptimizeTimeout
	}
	if c.AlertTimeout <= 0 {
		c.AlertTimeout = d.AlertTimeout
	}
	if c.SimilarK <= 0 {
		c.SimilarK = d.SimilarK
	}
	if c.RefreshRadiusKm <= 0 {
		c.RefreshRadiusKm = d.RefreshRadiusKm
	}
}

// Pipeline owns the component handles for the life of the process.
// Construct with New.
type Pipeline struct {
	Store       store.Store
	Coordinator *coordinate.Coordinator
	Weather     *weather.Service
	Predictor   *plume.Predictor
	Optimizer   *schedule.Optimizer
	Alerts      *alert.Service

	Config Config
	Log    logrus.FieldLogger

	sem      chan struct{}
	inflight sync.WaitGroup
	queued   int64 // ingest tasks accepted but not yet finished
	failed   int64 // ingest tasks that recorded a failure

	kick chan struct{}

	mu      sync.Mutex
	lastObs map[string]*burncoord.WeatherObservation

	now func() time.Time
}

// New wires the stages into a Pipeline.
func New(st store.Store, c *coordinate.Coordinator, w *weather.Service,
	pred *plume.Predictor, opt *schedule.Optimizer, al *alert.Service, cfg Config) *Pipeline {
	cfg.sanitize()
	return &Pipeline{
		Store:       st,
		Coordinator: c,
		Weather:     w,
		Predictor:   pred,
		Optimizer:   opt,
		Alerts:      al,
		Config:      cfg,
		Log:         logrus.StandardLogger(),
		sem:         make(chan struct{}, cfg.Workers),
		kick:        make(chan struct{}, 1),
		lastObs:     map[string]*burncoord.WeatherObservation{},
		now:         time.Now,
	}
}

// Ack is the synchronous response to a submission.
type Ack struct {
	RequestID int64            `json:"requestId"`
	Priority  int              `json:"priority"`
	Status    burncoord.Status `json:"status"`
	NextStage string           `json:"nextStage"`
	// Similar lists comparable historical burns by terrain-vector
	// cosine distance.
	Similar []store.Neighbor `json:"similar,omitempty"`
}

// HandleSubmission runs the Coordinator synchronously so the caller
// gets a request id and priority, then hands the request to the worker
// pool for weather fetch and smoke prediction. The asynchronous work
// completes, or records its failure, before the next optimization
// cycle runs.
func (p *Pipeline) HandleSubmission(ctx context.Context, sub *coordinate.Submission) (*Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Config.SubmitTimeout)
	defer cancel()

	rec, err := p.Coordinator.SubmitBurnRequest(ctx, sub)
	if err != nil {
		return nil, err
	}
	ack := &Ack{
		RequestID: rec.RequestID,
		Priority:  rec.Priority,
		Status:    rec.Status,
		NextStage: rec.NextStage,
	}
	ack.Similar = p.similar(ctx, rec.RequestID)

	p.enqueue(rec.RequestID)
	return ack, nil
}

// similar looks up the submission's nearest historical burns. Lookup
// failures degrade to an empty list.
func (p *Pipeline) similar(ctx context.Context, id int64) []store.Neighbor {
	req, err := p.Store.BurnRequest(ctx, id)
	if err != nil || len(req.TerrainVector) == 0 {
		return nil
	}
	// One extra so the request itself can be dropped from its own
	// neighbourhood.
	nbrs, err := p.Store.VectorTopK(ctx, store.TerrainVectors, req.TerrainVector, p.Config.SimilarK+1)
	if err != nil {
		p.Log.WithError(err).WithField("request", id).Warn("pipeline: similar-burn lookup")
		return nil
	}
	out := make([]store.Neighbor, 0, p.Config.SimilarK)
	for _, n := range nbrs {
		if n.ID == id {
			continue
		}
		out = append(out, n)
		if len(out) == p.Config.SimilarK {
			break
		}
	}
	return out
}

// enqueue schedules the asynchronous ingest stages for a request on
// the worker pool.
func (p *Pipeline) enqueue(id int64) {
	p.inflight.Add(1)
	atomic.AddInt64(&p.queued, 1)
	go func() {
		defer p.inflight.Done()
		defer atomic.AddInt64(&p.queued, -1)
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		// The submission context dies with the HTTP request; ingest
		// carries its own deadlines.
		p.ingest(context.Background(), id)
	}()
}

// ignitionTime is the request's date at its window start.
func ignitionTime(req *burncoord.BurnRequest) time.Time {
	return req.Date.UTC().Add(time.Duration(req.Window.StartMinute) * time.Minute)
}

// ingest runs the asynchronous stages for one request: weather
// analysis, observation persistence, and smoke prediction. Failures
// are recorded and logged; the request stays schedulable and the next
// cycle retries nothing — predictions are refreshed when the weather
// changes or the request is re-submitted.
func (p *Pipeline) ingest(ctx context.Context, id int64) {
	log := p.Log.WithField("request", id)

	req, err := p.Store.BurnRequest(ctx, id)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.WithError(err).Error("pipeline: loading request for ingest")
		return
	}

	wctx, cancel := context.WithTimeout(ctx, p.Config.WeatherTimeout)
	an, err := p.Weather.AnalyzeForBurn(wctx, req.Centroid, ignitionTime(req))
	cancel()
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.WithError(err).Error("pipeline: weather analysis")
		return
	}
	obs := an.Observation
	if obs.WeatherVector == nil {
		obs.WeatherVector = an.Vector
	}
	if _, err := p.storeObservation(ctx, obs); err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.WithError(err).Error("pipeline: storing observation")
		return
	}
	p.observe(obs)

	pctx, cancel := context.WithTimeout(ctx, p.Config.PredictTimeout)
	pred, err := p.Predictor.Predict(pctx, req, obs)
	cancel()
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.WithError(err).Error("pipeline: smoke prediction")
		return
	}
	if _, err := p.Store.PutPrediction(ctx, pred); err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.WithError(err).Error("pipeline: storing prediction")
		return
	}
	log.WithFields(logrus.Fields{
		"maxPM25": fmt.Sprintf("%.1f", pred.MaxPM25), "suitable": an.Suitable,
	}).Info("pipeline: request ingested")
}

// storeObservation persists through the weather service when it has a
// store attached (so the embedding is computed once), falling back to
// the pipeline's store.
func (p *Pipeline) storeObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error) {
	if p.Weather.Store != nil {
		return p.Weather.StoreObservation(ctx, obs)
	}
	return p.Store.PutObservation(ctx, obs)
}

// QueueDepth reports how many ingest tasks are queued or running.
func (p *Pipeline) QueueDepth() int {
	return int(atomic.LoadInt64(&p.queued))
}

// IngestFailures reports how many ingest tasks have recorded a
// failure since startup.
func (p *Pipeline) IngestFailures() int {
	return int(atomic.LoadInt64(&p.failed))
}

// drain waits for every queued ingest task, so an optimization cycle
// sees a settled store.
func (p *Pipeline) drain() {
	p.inflight.Wait()
}
