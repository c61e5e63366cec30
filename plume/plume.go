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

// Package plume predicts ground-level PM2.5 smoke dispersion from
// field burns using a steady-state Gaussian plume, and detects
// pairwise conflicts between concurrent burns.
package plume

import (
	"context"
	"math"
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// Config holds predictor tuning parameters.
type Config struct {
	// GridStepM is the conflict sampling grid spacing [m].
	GridStepM float64
	// RMaxKm clips every plume to a disc of this radius [km] about
	// the field centroid.
	RMaxKm float64
	// RCalmKm is the calm-air plume radius [km] used when the wind
	// speed is below 1 m/s.
	RCalmKm float64
	// PersistenceHours extends each burn's time window when testing
	// for temporal overlap, accounting for smoke lingering after the
	// burn ends.
	PersistenceHours float64
}

// DefaultConfig returns the default predictor configuration.
func DefaultConfig() Config {
	return Config{
		GridStepM:        250,
		RMaxKm:           30,
		RCalmKm:          5,
		PersistenceHours: 2,
	}
}

// Predictor computes smoke predictions and conflicts.
type Predictor struct {
	Config Config

	// TerrainFactor returns the terrain concentration correction at a
	// location: 1.5 in valleys (pooling), 0.7 on ridges (dilution),
	// 1.0 on flat ground. If nil, flat terrain is assumed everywhere.
	TerrainFactor func(geom.Point) float64

	Log logrus.FieldLogger
}

// New creates a Predictor with the given configuration.
func New(cfg Config) *Predictor {
	if cfg.GridStepM <= 0 {
		cfg.GridStepM = 250
	}
	if cfg.RMaxKm <= 0 {
		cfg.RMaxKm = 30
	}
	if cfg.RCalmKm <= 0 {
		cfg.RCalmKm = 5
	}
	if cfg.PersistenceHours < 0 {
		cfg.PersistenceHours = 2
	}
	return &Predictor{Config: cfg, Log: logrus.StandardLogger()}
}

// maxPM25 is the clamp ceiling for concentration outputs [μg/m³].
const maxPM25 = 10000.

// cutoffPM25 is the centerline concentration [μg/m³] that defines the
// plume's downwind extent.
const cutoffPM25 = 1.0

// sampler evaluates the ground-level PM2.5 field of one burn's plume.
type sampler struct {
	f         frame
	axis      float64 // transport direction [radians CCW from east]
	calm      bool
	q         float64 // emission rate [g/s]
	u         float64 // wind speed [m/s]
	h         float64 // effective release height [m]
	sy0, sz0  float64 // initial spread from field width and column depth [m]
	class     burncoord.StabilityClass
	terrain   float64 // terrain correction multiplier
	calmRadiu float64 // calm plume radius [m]
	xPeak     float64 // distance of maximum ground-level impact [m]
}

// raw returns the physical ground-level concentration [μg/m³] at
// downwind distance x [m] and crosswind offset y [m]: the steady-state
// Gaussian plume with ground reflection at effective height h. The
// initial spreads account for the field width (σy0) and the depth of
// the convective smoke column (σz0).
func (s *sampler) raw(x, y float64) float64 {
	sy := sigmaY(s.class, x) + s.sy0
	sz := sigmaZ(s.class, x) + s.sz0
	c := s.q / (math.Pi * s.u * sy * sz) *
		math.Exp(-y*y/(2*sy*sy)) *
		math.Exp(-s.h*s.h/(2*sz*sz)) *
		s.terrain * 1e6
	return burncoord.ClampFinite(c, 0, maxPM25)
}

// at returns the reported concentration [μg/m³] at a WGS84 point.
// Inside the distance of maximum ground-level impact the maximum is
// reported (the elevated plume has not yet fully reached the ground
// there), so sampled concentrations never increase downwind.
func (s *sampler) at(p geom.Point) float64 {
	l := s.f.toLocal(p)
	if s.calm {
		// No preferred direction: radial distance plays the role of
		// downwind distance.
		r := math.Hypot(l.X, l.Y)
		return s.centerline(r)
	}
	// Rotate into plume coordinates: x downwind, y crosswind.
	x := l.X*math.Cos(s.axis) + l.Y*math.Sin(s.axis)
	y := -l.X*math.Sin(s.axis) + l.Y*math.Cos(s.axis)
	if x <= 0 {
		return 0
	}
	if x < s.xPeak {
		x = s.xPeak
	}
	return s.raw(x, y)
}

// centerline returns the reported concentration [μg/m³] at downwind
// distance x [m] on the plume axis. It is non-increasing in x.
func (s *sampler) centerline(x float64) float64 {
	if x < s.xPeak {
		x = s.xPeak
	}
	return s.raw(x, 0)
}

// findPeak locates the downwind distance of maximum ground-level
// concentration by coarse log-spaced scan followed by refinement.
func (s *sampler) findPeak(rmax float64) float64 {
	const n = 64
	best, bestC := 50., 0.
	lo, hi := math.Log(50.), math.Log(rmax)
	for i := 0; i <= n; i++ {
		x := math.Exp(lo + (hi-lo)*float64(i)/n)
		if c := s.raw(x, 0); c > bestC {
			best, bestC = x, c
		}
	}
	// Refine around the coarse maximum.
	step := best * 0.1
	for i := 0; i < 20; i++ {
		if c := s.raw(best-step, 0); best-step > 0 && c > bestC {
			best, bestC = best-step, c
		} else if c := s.raw(best+step, 0); best+step < rmax && c > bestC {
			best, bestC = best+step, c
		} else {
			step /= 2
		}
	}
	return best
}

// newSampler builds the concentration field for one burn.
func (p *Predictor) newSampler(req *burncoord.BurnRequest, obs *burncoord.WeatherObservation) *sampler {
	u := obs.WindSpeed
	calm := u < 1
	if u < 0.5 {
		u = 0.5
	}
	h := EffectiveHeight(req, obs)
	terrain := 1.0
	if p.TerrainFactor != nil {
		terrain = p.TerrainFactor(centroidOf(req))
	}
	s := &sampler{
		f:         newFrame(centroidOf(req)),
		axis:      downwindAngle(obs.WindDirection),
		calm:      calm,
		q:         EmissionRate(req),
		u:         u,
		h:         h,
		sy0:       math.Sqrt(req.AreaHa*1e4) / 4.3, // field width / 4.3 ≈ initial σy
		sz0:       h / 2.15,                        // convective column depth as initial σz
		class:     obs.Stability,
		terrain:   terrain,
		calmRadiu: p.Config.RCalmKm * 1000,
	}
	s.xPeak = s.findPeak(p.Config.RMaxKm * 1000)
	return s
}

func centroidOf(req *burncoord.BurnRequest) geom.Point {
	if req.Centroid.X != 0 || req.Centroid.Y != 0 {
		return req.Centroid
	}
	if len(req.Boundary) > 0 {
		return req.Boundary.Centroid()
	}
	return geom.Point{}
}

// extent returns the downwind plume length [m]: the distance at which
// the centerline concentration falls below cutoffPM25, clipped to
// RMaxKm.
func (p *Predictor) extent(s *sampler) float64 {
	rmax := p.Config.RMaxKm * 1000
	const rmin = 200.
	if s.centerline(rmax) >= cutoffPM25 {
		return rmax
	}
	lo, hi := rmin, rmax
	for i := 0; i < 40; i++ { // bisection to ~meter precision
		mid := (lo + hi) / 2
		if s.centerline(mid) >= cutoffPM25 {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lo < rmin {
		return rmin
	}
	return lo
}

// Predict computes the smoke prediction for one burn under the given
// weather. A missing observation is a precondition failure; a
// degenerate boundary polygon is not (the centroid falls back to the
// request's point location).
func (p *Predictor) Predict(ctx context.Context, req *burncoord.BurnRequest, obs *burncoord.WeatherObservation) (*burncoord.SmokePrediction, error) {
	if obs == nil {
		return nil, burncoord.Errorf(burncoord.KindPrecond, "plume: no weather observation for request %d", req.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindCancelled, err, "plume: predict cancelled")
	}

	s := p.newSampler(req, obs)
	length := p.extent(s)

	var poly geom.Polygon
	if s.calm {
		r := s.calmRadiu
		if length < r {
			r = length
		}
		poly = circlePolygon(r)
	} else {
		poly = fanPolygon(s.axis, fanHalfAngle(s.class, obs.WindSpeed), length)
	}
	areaKm2 := poly.Area() / 1e6 // local frame is in meters
	geoPoly := s.f.toGeoPolygon(poly)

	// The centerline is monotone decreasing, so the maximum is at the
	// nearest sampled distance.
	peak := s.centerline(p.Config.GridStepM)

	pred := &burncoord.SmokePrediction{
		BurnRequestID: req.ID,
		PredictedAt:   time.Now().UTC(),
		Plume:         geoPoly,
		MaxPM25:       burncoord.ClampFinite(peak, 0, maxPM25),
		AffectedKm2:   burncoord.ClampFinite(areaKm2, 0, math.Pi*p.Config.RMaxKm*p.Config.RMaxKm),
		RadiusKm:      length / 1000,
		Confidence:    confidence(obs),
		PlumeVector:   plumeVector(s, req, obs, length),
	}
	return pred, nil
}

// confidence scores how well the Gaussian approximation fits the
// conditions: best for neutral stability and steady moderate wind.
func confidence(obs *burncoord.WeatherObservation) float64 {
	c := 0.95 - 0.04*math.Abs(float64(obs.Stability-burncoord.ClassD))
	if obs.WindSpeed < 1 {
		c -= 0.15 // calm-air circles are crude
	}
	if obs.Forecast {
		c -= 0.1
	}
	return burncoord.ClampFinite(c, 0.1, 1)
}
