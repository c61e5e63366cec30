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
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

// squareField returns a closed square boundary of the given area
// centered on (lon, lat).
func squareField(lon, lat, areaHa float64) geom.Polygon {
	half := math.Sqrt(areaHa*1e4) / 2
	dLat := half / 111320.
	dLon := half / (111320. * math.Cos(lat*math.Pi/180))
	return geom.Polygon{{
		{X: lon - dLon, Y: lat - dLat},
		{X: lon + dLon, Y: lat - dLat},
		{X: lon + dLon, Y: lat + dLat},
		{X: lon - dLon, Y: lat + dLat},
		{X: lon - dLon, Y: lat - dLat},
	}}
}

func testRequest(id int64, lon, lat, areaHa float64, crop burncoord.CropType, fuel float64) *burncoord.BurnRequest {
	return &burncoord.BurnRequest{
		ID:       id,
		FieldID:  id,
		FarmID:   id,
		Crop:     crop,
		AreaHa:   areaHa,
		FuelLoad: fuel,
		Date:     time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Window:   burncoord.TimeWindow{StartMinute: 9 * 60, EndMinute: 13 * 60},
		Status:   burncoord.StatusScheduled,
		Boundary: squareField(lon, lat, areaHa),
		Centroid: geom.Point{X: lon, Y: lat},
	}
}

// stableObs mimics a light-wind stable afternoon: 8 mph from the
// south, class E.
func stableObs() *burncoord.WeatherObservation {
	return &burncoord.WeatherObservation{
		Location:      geom.Point{X: -121.49, Y: 38.58},
		Time:          time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		TemperatureC:  22,
		Humidity:      55,
		WindSpeed:     3.58, // 8 mph
		WindDirection: 180,
		Stability:     burncoord.ClassE,
		MixingHeight:  500,
	}
}

func TestPredictSafeBurn(t *testing.T) {
	p := New(DefaultConfig())
	req := testRequest(1, -121.49, 38.58, 50, burncoord.CropRice, 15)
	obs := stableObs()

	pred, err := p.Predict(context.Background(), req, obs)
	if err != nil {
		t.Fatal(err)
	}
	if pred.MaxPM25 <= 0 {
		t.Errorf("MaxPM25 = %g; want > 0", pred.MaxPM25)
	}
	if pred.MaxPM25 >= burncoord.PM25NAAQS {
		t.Errorf("MaxPM25 = %g for an isolated 50 ha burn; want < %g",
			pred.MaxPM25, burncoord.PM25NAAQS)
	}
	if len(pred.Plume) != 1 {
		t.Fatalf("plume has %d rings; want 1", len(pred.Plume))
	}
	ring := pred.Plume[0]
	if len(ring) < 4 {
		t.Fatalf("plume ring has %d points; want ≥ 4", len(ring))
	}
	if !ring[0].Equals(ring[len(ring)-1]) {
		t.Errorf("plume ring is not closed: %v != %v", ring[0], ring[len(ring)-1])
	}
	// Every vertex must lie within the r_max disc about the centroid.
	for i, v := range ring {
		dx := (v.X - req.Centroid.X) * 111320. * math.Cos(req.Centroid.Y*math.Pi/180)
		dy := (v.Y - req.Centroid.Y) * 111320.
		if r := math.Hypot(dx, dy); r > p.Config.RMaxKm*1000*1.01 {
			t.Errorf("vertex %d is %g m from the centroid; want ≤ %g", i, r, p.Config.RMaxKm*1000)
		}
	}
	if pred.RadiusKm <= 0 || pred.RadiusKm > p.Config.RMaxKm {
		t.Errorf("RadiusKm = %g; want in (0, %g]", pred.RadiusKm, p.Config.RMaxKm)
	}
	if pred.AffectedKm2 <= 0 {
		t.Errorf("AffectedKm2 = %g; want > 0", pred.AffectedKm2)
	}
	if pred.Confidence <= 0 || pred.Confidence > 1 {
		t.Errorf("Confidence = %g; want in (0, 1]", pred.Confidence)
	}
	if len(pred.PlumeVector) != burncoord.PlumeDims {
		t.Fatalf("plume vector has %d dims; want %d", len(pred.PlumeVector), burncoord.PlumeDims)
	}
	if m := burncoord.Magnitude(pred.PlumeVector); math.Abs(m-1) > 1e-3 {
		t.Errorf("plume vector magnitude = %g; want 1", m)
	}
}

func TestPredictNoObservation(t *testing.T) {
	p := New(DefaultConfig())
	req := testRequest(1, -121.49, 38.58, 50, burncoord.CropRice, 15)
	_, err := p.Predict(context.Background(), req, nil)
	if err == nil {
		t.Fatal("want error for missing observation")
	}
	if k := burncoord.KindOf(err); k != burncoord.KindPrecond {
		t.Errorf("error kind = %v; want %v", k, burncoord.KindPrecond)
	}
}

func TestPredictCancelled(t *testing.T) {
	p := New(DefaultConfig())
	req := testRequest(1, -121.49, 38.58, 50, burncoord.CropRice, 15)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Predict(ctx, req, stableObs())
	if err == nil {
		t.Fatal("want error for cancelled context")
	}
	if k := burncoord.KindOf(err); k != burncoord.KindCancelled {
		t.Errorf("error kind = %v; want %v", k, burncoord.KindCancelled)
	}
}

func TestCenterlineMonotone(t *testing.T) {
	p := New(DefaultConfig())
	obs := &burncoord.WeatherObservation{
		TemperatureC:  25,
		WindSpeed:     5.36,
		WindDirection: 225,
		Stability:     burncoord.ClassD,
		MixingHeight:  1000,
	}
	for _, area := range []float64{10, 50, 200} {
		req := testRequest(1, -121.49, 38.58, area, burncoord.CropWheat, 7.5)
		s := p.newSampler(req, obs)
		prev := math.Inf(1)
		for x := p.Config.GridStepM; x <= p.Config.RMaxKm*1000; x += p.Config.GridStepM {
			c := s.centerline(x)
			if c > prev*(1+1e-9) {
				t.Fatalf("area %g ha: centerline(%g) = %g > centerline(%g) = %g",
					area, x, c, x-p.Config.GridStepM, prev)
			}
			prev = c
		}
	}
}

func TestPredictCalmCircle(t *testing.T) {
	p := New(DefaultConfig())
	req := testRequest(1, -121.49, 38.58, 10, burncoord.CropRice, 5)
	obs := &burncoord.WeatherObservation{
		TemperatureC: 15,
		WindSpeed:    0.4,
		Stability:    burncoord.ClassF,
		MixingHeight: 300,
	}
	pred, err := p.Predict(context.Background(), req, obs)
	if err != nil {
		t.Fatal(err)
	}
	ring := pred.Plume[0]
	// All vertices of the calm plume sit on a circle about the centroid.
	var rmin, rmax float64 = math.Inf(1), 0
	for _, v := range ring {
		dx := (v.X - req.Centroid.X) * 111320. * math.Cos(req.Centroid.Y*math.Pi/180)
		dy := (v.Y - req.Centroid.Y) * 111320.
		r := math.Hypot(dx, dy)
		rmin = math.Min(rmin, r)
		rmax = math.Max(rmax, r)
	}
	if (rmax-rmin)/rmax > 0.02 {
		t.Errorf("calm plume is not circular: radii span [%g, %g] m", rmin, rmax)
	}
	if rmax > p.Config.RCalmKm*1000*1.01 {
		t.Errorf("calm plume radius = %g m; want ≤ %g", rmax, p.Config.RCalmKm*1000)
	}
	if pred.MaxPM25 <= 0 {
		t.Errorf("MaxPM25 = %g; want > 0", pred.MaxPM25)
	}
}

func TestEmissionRate(t *testing.T) {
	window4h := burncoord.TimeWindow{StartMinute: 9 * 60, EndMinute: 13 * 60}
	tests := []struct {
		name   string
		crop   burncoord.CropType
		areaHa float64
		fuel   float64
		window burncoord.TimeWindow
		want   float64 // [g/s]
	}{
		{
			// 300 kg over 8 h: the doubled fuel load stretches the 4 h
			// window to 8 h of smoldering.
			name: "rice heavy fuel", crop: burncoord.CropRice,
			areaHa: 50, fuel: 15, window: window4h,
			want: 300. * 1000 / (8 * 3600),
		},
		{
			// 550 kg over the 4 h window at the reference loading.
			name: "wheat reference fuel", crop: burncoord.CropWheat,
			areaHa: 100, fuel: 7.5, window: window4h,
			want: 550. * 1000 / (4 * 3600),
		},
		{
			// A 1 h window is stretched to the 2 h minimum burn time.
			name: "short window clamped", crop: burncoord.CropOats,
			areaHa: 10, fuel: 5,
			window: burncoord.TimeWindow{StartMinute: 9 * 60, EndMinute: 10 * 60},
			want:   55. * 1000 / (2 * 3600),
		},
		{
			// Quadruple fuel would stretch 4 h to 16 h; capped at 12 h.
			name: "duration capped", crop: burncoord.CropRice,
			areaHa: 50, fuel: 30, window: window4h,
			want: 300. * 1000 / (12 * 3600),
		},
		{
			// An unknown crop falls back to the generic factor.
			name: "unknown crop", crop: burncoord.CropType("quinoa"),
			areaHa: 10, fuel: 7.5, window: window4h,
			want: 65. * 1000 / (4 * 3600),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := &burncoord.BurnRequest{
				Crop: test.crop, AreaHa: test.areaHa,
				FuelLoad: test.fuel, Window: test.window,
			}
			got := EmissionRate(req)
			if math.Abs(got-test.want) > 1e-9 {
				t.Errorf("EmissionRate = %g; want %g", got, test.want)
			}
		})
	}
}

func TestEffectiveHeight(t *testing.T) {
	req := testRequest(1, -121.49, 38.58, 50, burncoord.CropRice, 15)

	// Unstable daytime: strong buoyant rise, but well below the deep
	// mixed layer.
	unstable := &burncoord.WeatherObservation{
		TemperatureC: 22, WindSpeed: 3.58,
		Stability: burncoord.ClassC, MixingHeight: 1200,
	}
	h := EffectiveHeight(req, unstable)
	if h < flameHeight || h > unstable.MixingHeight {
		t.Errorf("unstable height = %g; want in [%g, %g]", h, flameHeight, unstable.MixingHeight)
	}
	if h < 50 || h > 400 {
		t.Errorf("unstable height = %g; want a moderate buoyant rise in [50, 400]", h)
	}

	// Stable evening: the rise formula overshoots and the shallow mixed
	// layer caps the column.
	stable := &burncoord.WeatherObservation{
		TemperatureC: 22, WindSpeed: 3.58,
		Stability: burncoord.ClassE, MixingHeight: 500,
	}
	if h := EffectiveHeight(req, stable); h != stable.MixingHeight {
		t.Errorf("stable height = %g; want capped at mixing height %g", h, stable.MixingHeight)
	}
}
