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

package weather

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

// goodObs returns conditions well inside every suitability band.
func goodObs(t time.Time) *burncoord.WeatherObservation {
	return &burncoord.WeatherObservation{
		Time:          t,
		TemperatureC:  22,
		Humidity:      55,
		WindSpeed:     3.58, // 8 mph
		WindDirection: 180,
		Pressure:      1013,
		Visibility:    10,
		CloudCover:    0.2,
		Stability:     burncoord.ClassC,
		MixingHeight:  1200,
	}
}

func TestEvaluateSuitable(t *testing.T) {
	a := Evaluate(goodObs(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)))
	if !a.Suitable {
		t.Fatalf("suitable = false (failed: %v); want true", a.Failed())
	}
	if a.Score < 0.9 {
		t.Errorf("score = %g; want ≥ 0.9 for ideal conditions", a.Score)
	}
	if len(a.Factors) != 5 {
		t.Errorf("got %d factors; want 5", len(a.Factors))
	}
}

func TestEvaluateDangerous(t *testing.T) {
	obs := goodObs(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	obs.WindSpeed = 13.41 // 30 mph
	obs.Humidity = 12
	a := Evaluate(obs)
	if a.Suitable {
		t.Fatal("suitable = true for 30 mph wind and 12% humidity")
	}
	if a.Score != 0 {
		t.Errorf("score = %g; want 0 when unsuitable", a.Score)
	}
	failed := a.Failed()
	want := map[string]bool{"windSpeed": true, "humidity": true}
	for _, name := range failed {
		delete(want, name)
	}
	if len(want) != 0 {
		t.Errorf("failed factors = %v; missing %v", failed, want)
	}
}

func TestEvaluateHardBands(t *testing.T) {
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(*burncoord.WeatherObservation)
		factor string
	}{
		{"calm", func(o *burncoord.WeatherObservation) { o.WindSpeed = 0.4 }, "windSpeed"},
		{"rain", func(o *burncoord.WeatherObservation) { o.Precipitation = 0.5 }, "precipitation"},
		{"inversion", func(o *burncoord.WeatherObservation) { o.Stability = burncoord.ClassF }, "stability"},
		{"fog", func(o *burncoord.WeatherObservation) { o.Visibility = 1 }, "visibility"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			obs := goodObs(base)
			test.mutate(obs)
			a := Evaluate(obs)
			if a.Suitable {
				t.Fatal("suitable = true; want false")
			}
			found := false
			for _, name := range a.Failed() {
				if name == test.factor {
					found = true
				}
			}
			if !found {
				t.Errorf("failed factors = %v; want to include %q", a.Failed(), test.factor)
			}
		})
	}
}

func TestBurnWindows(t *testing.T) {
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	var obses []*burncoord.WeatherObservation
	for i := 0; i < 6; i++ {
		obs := goodObs(base.Add(time.Duration(i) * time.Hour))
		if i == 2 { // hour 10: dead calm splits the day
			obs.WindSpeed = 0.2
		}
		obses = append(obses, obs)
	}
	windows := BurnWindows(obses)
	if len(windows) != 2 {
		t.Fatalf("got %d windows; want 2", len(windows))
	}
	if !windows[0].Start.Equal(base) || !windows[0].End.Equal(base.Add(2*time.Hour)) {
		t.Errorf("window 0 = [%v, %v); want [%v, %v)", windows[0].Start, windows[0].End, base, base.Add(2*time.Hour))
	}
	if !windows[1].Start.Equal(base.Add(3*time.Hour)) || !windows[1].End.Equal(base.Add(6*time.Hour)) {
		t.Errorf("window 1 = [%v, %v)", windows[1].Start, windows[1].End)
	}
	for i, w := range windows {
		if w.Score < scoreThreshold {
			t.Errorf("window %d score = %g; want ≥ %g", i, w.Score, scoreThreshold)
		}
	}
}

func TestVector(t *testing.T) {
	obs := goodObs(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	v := Vector(obs)
	if len(v) != burncoord.WeatherDims {
		t.Fatalf("vector has %d dims; want %d", len(v), burncoord.WeatherDims)
	}
	if m := burncoord.Magnitude(v); math.Abs(m-1) > 1e-3 {
		t.Errorf("magnitude = %g; want 1", m)
	}
	// Determinism.
	v2 := Vector(obs)
	for i := range v {
		if v[i] != v2[i] {
			t.Fatalf("dim %d differs between calls: %g vs %g", i, v[i], v2[i])
		}
	}
	// A very different observation must land far away.
	other := goodObs(obs.Time)
	other.TemperatureC = -5
	other.WindSpeed = 14
	other.Humidity = 95
	other.Stability = burncoord.ClassF
	if d := burncoord.CosineDistance(v, Vector(other)); d < 0.05 {
		t.Errorf("cosine distance to dissimilar observation = %g; want ≥ 0.05", d)
	}
}

type fakeProvider struct {
	currentCalls  int32
	forecastCalls int32
	obs           *burncoord.WeatherObservation
	list          []*burncoord.WeatherObservation
	err           error
}

func (f *fakeProvider) Current(ctx context.Context, lat, lon float64) (*burncoord.WeatherObservation, error) {
	atomic.AddInt32(&f.currentCalls, 1)
	return f.obs, f.err
}

func (f *fakeProvider) Forecast(ctx context.Context, lat, lon float64, horizon time.Duration) ([]*burncoord.WeatherObservation, error) {
	atomic.AddInt32(&f.forecastCalls, 1)
	return f.list, f.err
}

func TestFetchCurrentCaching(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 15, 0, 0, time.UTC)
	fp := &fakeProvider{obs: goodObs(now)}
	s := NewService(fp)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_, hit, err := s.FetchCurrent(ctx, 38.58, -121.49)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("first fetch reported a cache hit")
	}
	_, hit, err = s.FetchCurrent(ctx, 38.58, -121.49)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("second fetch reported a cache miss")
	}
	// The same 0.01° cell: still a hit.
	_, hit, err = s.FetchCurrent(ctx, 38.581, -121.494)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("same-cell fetch reported a cache miss")
	}
	if n := atomic.LoadInt32(&fp.currentCalls); n != 1 {
		t.Errorf("provider called %d times; want 1", n)
	}

	// Past the TTL the entry is stale and a refetch happens.
	now = now.Add(s.CurrentTTL + time.Minute)
	if _, hit, err = s.FetchCurrent(ctx, 38.58, -121.49); err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("stale fetch reported a cache hit")
	}
	if n := atomic.LoadInt32(&fp.currentCalls); n != 2 {
		t.Errorf("provider called %d times after expiry; want 2", n)
	}
}

func TestFetchUpstreamFailure(t *testing.T) {
	fp := &fakeProvider{err: burncoord.Errorf(burncoord.KindUpstream, "weather: provider status 503")}
	s := NewService(fp)
	_, _, err := s.FetchCurrent(context.Background(), 38.58, -121.49)
	if err == nil {
		t.Fatal("want error when the provider fails and the cache is empty")
	}
	if k := burncoord.KindOf(err); k != burncoord.KindUpstream {
		t.Errorf("error kind = %v; want %v", k, burncoord.KindUpstream)
	}
}

func TestAnalyzeForBurnForecast(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	target := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC) // bare date, 3 days out

	var list []*burncoord.WeatherObservation
	for h := 0; h < 96; h++ {
		list = append(list, goodObs(now.Add(time.Duration(h)*time.Hour)))
	}
	fp := &fakeProvider{list: list}
	s := NewService(fp)
	s.now = func() time.Time { return now }

	a, err := s.AnalyzeForBurn(context.Background(), geom.Point{X: -121.49, Y: 38.58}, target)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Suitable {
		t.Errorf("suitable = false (failed: %v); want true", a.Failed())
	}
	if len(a.Vector) != burncoord.WeatherDims {
		t.Errorf("vector has %d dims; want %d", len(a.Vector), burncoord.WeatherDims)
	}
	// The analyzed hour should be mid-morning on the target date.
	if got := a.Observation.Time; got.Day() != 4 || got.Hour() != 10 {
		t.Errorf("analyzed observation at %v; want the target date at 10:00", got)
	}
}

func TestAnalyzeForBurnAlternatives(t *testing.T) {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	// Unsuitable everywhere except a suitable stretch on day 2.
	var list []*burncoord.WeatherObservation
	for h := 0; h < 96; h++ {
		obs := goodObs(now.Add(time.Duration(h) * time.Hour))
		if h < 30 || h > 40 {
			obs.WindSpeed = 13.4 // 30 mph
		}
		list = append(list, obs)
	}
	fp := &fakeProvider{list: list}
	s := NewService(fp)
	s.now = func() time.Time { return now }

	a, err := s.AnalyzeForBurn(context.Background(), geom.Point{X: -121.49, Y: 38.58},
		time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if a.Suitable {
		t.Fatal("suitable = true; want false")
	}
	if len(a.Alternatives) == 0 {
		t.Fatal("no alternative windows suggested")
	}
	if len(a.Alternatives) > 3 {
		t.Errorf("got %d alternatives; want ≤ 3", len(a.Alternatives))
	}
}

type fakeObsStore struct {
	got *burncoord.WeatherObservation
}

func (f *fakeObsStore) PutObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error) {
	f.got = obs
	return 42, nil
}

func TestStoreObservation(t *testing.T) {
	st := &fakeObsStore{}
	s := NewService(&fakeProvider{})
	s.Store = st

	obs := goodObs(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	id, err := s.StoreObservation(context.Background(), obs)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Errorf("id = %d; want 42", id)
	}
	if len(st.got.WeatherVector) != burncoord.WeatherDims {
		t.Errorf("stored vector has %d dims; want %d", len(st.got.WeatherVector), burncoord.WeatherDims)
	}
}
