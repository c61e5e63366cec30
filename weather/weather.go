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

// Package weather fetches, caches, and analyzes atmospheric conditions
// for burn scheduling: Pasquill–Gifford stability classification, burn
// suitability scoring, and the 128-dimensional analog-day embedding.
package weather

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// ObservationStore persists observations with their embeddings.
type ObservationStore interface {
	PutObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error)
}

// Service fetches weather through a Provider with a (cell, hour)
// cache, and exposes suitability analysis. Observations returned from
// the cache are shared; callers must not modify them.
type Service struct {
	Provider Provider

	// Store, if non-nil, receives observations via StoreObservation.
	Store ObservationStore

	// CurrentTTL and ForecastTTL bound how long cached entries serve
	// before a refetch. Defaults: 1 h and 3 h.
	CurrentTTL  time.Duration
	ForecastTTL time.Duration

	// ForecastHorizon is the default forecast span. Default 72 h.
	ForecastHorizon time.Duration

	// CacheSize is the number of in-memory cache entries. Default 1000.
	CacheSize int

	Log logrus.FieldLogger

	// now is replaceable for tests.
	now func() time.Time

	cacheOnce sync.Once
	cache     *requestcache.Cache

	mu   sync.Mutex
	seen map[string]bool // cache keys that have completed a fetch
}

// NewService creates a weather Service backed by the given provider.
func NewService(p Provider) *Service {
	return &Service{
		Provider:        p,
		CurrentTTL:      time.Hour,
		ForecastTTL:     3 * time.Hour,
		ForecastHorizon: 72 * time.Hour,
		CacheSize:       1000,
		Log:             logrus.StandardLogger(),
		now:             time.Now,
	}
}

type fetchRequest struct {
	kind     string // "current" or "forecast"
	lat, lon float64
	horizon  time.Duration
}

func (s *Service) initCache() {
	s.cacheOnce.Do(func() {
		size := s.CacheSize
		if size <= 0 {
			size = 1000
		}
		s.seen = make(map[string]bool)
		s.cache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			r := request.(fetchRequest)
			if r.kind == "current" {
				return s.Provider.Current(ctx, r.lat, r.lon)
			}
			return s.Provider.Forecast(ctx, r.lat, r.lon, r.horizon)
		}, runtime.GOMAXPROCS(-1),
			requestcache.Deduplicate(), requestcache.Memory(size))
	})
}

// cellKey buckets a location to the 0.01° cache grid.
func cellKey(lat, lon float64) string {
	return fmt.Sprintf("%.2f:%.2f", lat, lon)
}

// keyFor builds the cache key for a fetch: the cell, the request
// shape, and the TTL epoch. Stale entries stop being referenced when
// the epoch rolls over, which forces a refetch.
func (s *Service) keyFor(r fetchRequest) string {
	ttl := s.CurrentTTL
	if r.kind == "forecast" {
		ttl = s.ForecastTTL
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	epoch := s.now().UTC().Truncate(ttl).Format("2006-01-02T15:04")
	if r.kind == "forecast" {
		return fmt.Sprintf("fc:%s:%s:%s", cellKey(r.lat, r.lon), r.horizon, epoch)
	}
	return fmt.Sprintf("cur:%s:%s", cellKey(r.lat, r.lon), epoch)
}

// fetch runs one request through the cache. The returned flag reports
// whether the result was served from a previously completed fetch.
func (s *Service) fetch(ctx context.Context, r fetchRequest) (interface{}, bool, error) {
	s.initCache()
	key := s.keyFor(r)

	s.mu.Lock()
	hit := s.seen[key]
	s.mu.Unlock()

	result, err := s.cache.NewRequest(ctx, r, key).Result()
	if err != nil {
		if k := burncoord.KindOf(err); k == burncoord.KindInternal {
			err = burncoord.WrapErr(burncoord.KindUpstream, err, "weather: fetching %s for cell %s",
				r.kind, cellKey(r.lat, r.lon))
		}
		return nil, false, err
	}

	s.mu.Lock()
	s.seen[key] = true
	s.mu.Unlock()
	return result, hit, nil
}

// FetchCurrent returns present conditions at a location. The boolean
// reports whether the result came from the cache, for the X-Cache
// response header.
func (s *Service) FetchCurrent(ctx context.Context, lat, lon float64) (*burncoord.WeatherObservation, bool, error) {
	result, hit, err := s.fetch(ctx, fetchRequest{kind: "current", lat: lat, lon: lon})
	if err != nil {
		return nil, false, err
	}
	return result.(*burncoord.WeatherObservation), hit, nil
}

// FetchForecast returns hourly forecast conditions out to the horizon.
// A non-positive horizon selects the default.
func (s *Service) FetchForecast(ctx context.Context, lat, lon float64, horizon time.Duration) ([]*burncoord.WeatherObservation, bool, error) {
	if horizon <= 0 {
		horizon = s.ForecastHorizon
	}
	result, hit, err := s.fetch(ctx, fetchRequest{kind: "forecast", lat: lat, lon: lon, horizon: horizon})
	if err != nil {
		return nil, false, err
	}
	return result.([]*burncoord.WeatherObservation), hit, nil
}

// maxAnalysisGap is how far the nearest forecast hour may be from the
// analyzed time before the analysis fails.
const maxAnalysisGap = 3 * time.Hour

// AnalyzeForBurn evaluates burn suitability at a location and time.
// Times within an hour of now use current conditions; otherwise the
// nearest forecast hour is analyzed. When the result is unsuitable, up
// to three upcoming suitable windows are suggested as alternatives.
func (s *Service) AnalyzeForBurn(ctx context.Context, loc geom.Point, at time.Time) (*Analysis, error) {
	now := s.now()
	target := at
	if target.Hour() == 0 && target.Minute() == 0 {
		// A bare date: analyze mid-morning, the usual ignition time.
		target = target.Add(10 * time.Hour)
	}

	var obs *burncoord.WeatherObservation
	if d := target.Sub(now); d > -time.Hour && d < time.Hour {
		var err error
		obs, _, err = s.FetchCurrent(ctx, loc.Y, loc.X)
		if err != nil {
			return nil, err
		}
	} else {
		horizon := target.Sub(now) + 24*time.Hour
		obses, _, err := s.FetchForecast(ctx, loc.Y, loc.X, horizon)
		if err != nil {
			return nil, err
		}
		obs = nearest(obses, target)
		if obs == nil || absDuration(obs.Time.Sub(target)) > maxAnalysisGap {
			return nil, burncoord.Errorf(burncoord.KindUpstream,
				"weather: no forecast within %v of %s", maxAnalysisGap, target.Format(time.RFC3339))
		}
	}

	a := Evaluate(obs)
	a.Vector = Vector(obs)
	if !a.Suitable {
		if alts, err := s.alternatives(ctx, loc); err == nil {
			a.Alternatives = alts
		} else {
			s.Log.WithError(err).Warn("weather: fetching alternative windows")
		}
	}
	return a, nil
}

// alternatives returns the best upcoming burn windows over the default
// forecast horizon, at most three.
func (s *Service) alternatives(ctx context.Context, loc geom.Point) ([]BurnWindow, error) {
	obses, _, err := s.FetchForecast(ctx, loc.Y, loc.X, s.ForecastHorizon)
	if err != nil {
		return nil, err
	}
	windows := BurnWindows(obses)
	if len(windows) > 3 {
		windows = windows[:3]
	}
	return windows, nil
}

// StoreObservation persists an observation, computing its embedding
// first if absent.
func (s *Service) StoreObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error) {
	if s.Store == nil {
		return 0, burncoord.Errorf(burncoord.KindPrecond, "weather: no observation store configured")
	}
	if obs.WeatherVector == nil {
		obs.WeatherVector = Vector(obs)
	}
	if err := burncoord.CheckDims(obs.WeatherVector, burncoord.WeatherDims); err != nil {
		return 0, burncoord.WrapErr(burncoord.KindValidation, err, "weather: storing observation")
	}
	id, err := s.Store.PutObservation(ctx, obs)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "weather: storing observation")
	}
	return id, nil
}

func nearest(obses []*burncoord.WeatherObservation, target time.Time) *burncoord.WeatherObservation {
	var best *burncoord.WeatherObservation
	bestD := time.Duration(math.MaxInt64)
	for _, o := range obses {
		if d := absDuration(o.Time.Sub(target)); d < bestD {
			best, bestD = o, d
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
