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

package coordinate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

type fakeStore struct {
	farms    map[int64]*burncoord.Farm
	dup      bool
	rates    map[burncoord.CropType]float64
	inserted *burncoord.BurnRequest
	nextID   int64
}

func (f *fakeStore) Farm(ctx context.Context, id int64) (*burncoord.Farm, error) {
	farm, ok := f.farms[id]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: farm %d", id)
	}
	return farm, nil
}

func (f *fakeStore) DuplicateExists(ctx context.Context, farmID int64, fieldName string, date time.Time, startMinute int) (bool, error) {
	return f.dup, nil
}

func (f *fakeStore) InsertBurnRequest(ctx context.Context, req *burncoord.BurnRequest) (int64, error) {
	f.inserted = req
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) CropSuccessRate(ctx context.Context, crop burncoord.CropType) (float64, bool, error) {
	rate, ok := f.rates[crop]
	return rate, ok, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		farms: map[int64]*burncoord.Farm{
			1: {ID: 1, Name: "Delta Farms", Location: geom.Point{X: -121.49, Y: 38.58}},
		},
	}
}

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

var testNow = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func validSubmission() *Submission {
	return &Submission{
		FarmID:    1,
		FieldID:   1,
		FieldName: "F1",
		Crop:      burncoord.CropRice,
		AreaHa:    50,
		FuelLoad:  15,
		Date:      testNow.Truncate(24 * time.Hour).AddDate(0, 0, 3),
		Window:    burncoord.TimeWindow{StartMinute: 9 * 60, EndMinute: 13 * 60},
		Boundary:  squareField(-121.49, 38.58, 50),
	}
}

func newTestCoordinator(store Store) *Coordinator {
	c := New(store)
	c.now = func() time.Time { return testNow }
	return c
}

func TestSubmitBurnRequest(t *testing.T) {
	st := newFakeStore()
	c := newTestCoordinator(st)

	rec, err := c.SubmitBurnRequest(context.Background(), validSubmission())
	if err != nil {
		t.Fatal(err)
	}
	if rec.RequestID != 1 {
		t.Errorf("RequestID = %d; want 1", rec.RequestID)
	}
	if rec.Priority < 6 || rec.Priority > 8 {
		t.Errorf("priority = %d; want in [6, 8] for a 50 ha rice burn", rec.Priority)
	}
	if rec.Status != burncoord.StatusPending {
		t.Errorf("status = %q; want %q", rec.Status, burncoord.StatusPending)
	}
	if rec.NextStage != "weather" {
		t.Errorf("nextStage = %q; want weather", rec.NextStage)
	}

	req := st.inserted
	if req == nil {
		t.Fatal("no request stored")
	}
	if len(req.TerrainVector) != burncoord.TerrainDims {
		t.Fatalf("terrain vector has %d dims; want %d", len(req.TerrainVector), burncoord.TerrainDims)
	}
	if m := burncoord.Magnitude(req.TerrainVector); math.Abs(m-1) > 1e-3 {
		t.Errorf("terrain vector magnitude = %g; want 1", m)
	}
	if req.Centroid.X == 0 && req.Centroid.Y == 0 {
		t.Error("centroid not derived from the boundary")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		field  string
	}{
		{"missing farm id", func(s *Submission) { s.FarmID = 0 }, "farmId"},
		{"empty field name", func(s *Submission) { s.FieldName = "" }, "fieldName"},
		{"open ring", func(s *Submission) { s.Boundary[0] = s.Boundary[0][:4] }, "polygon"},
		{"too few points", func(s *Submission) { s.Boundary[0] = s.Boundary[0][:2] }, "polygon"},
		{"two rings", func(s *Submission) { s.Boundary = append(s.Boundary, s.Boundary[0]) }, "polygon"},
		{"zero area", func(s *Submission) { s.AreaHa = 0 }, "areaHectares"},
		{"oversized area", func(s *Submission) { s.AreaHa = 10001 }, "areaHectares"},
		{"end before start", func(s *Submission) { s.Window = burncoord.TimeWindow{StartMinute: 600, EndMinute: 540} }, "window"},
		{"window under 2h", func(s *Submission) { s.Window = burncoord.TimeWindow{StartMinute: 540, EndMinute: 600} }, "window"},
		{"window beyond day", func(s *Submission) { s.Window = burncoord.TimeWindow{StartMinute: 540, EndMinute: 1500} }, "window"},
		{"past date", func(s *Submission) { s.Date = testNow.AddDate(0, 0, -2) }, "burnDate"},
		{"date too far out", func(s *Submission) { s.Date = testNow.AddDate(0, 0, 400) }, "burnDate"},
		{"unknown crop", func(s *Submission) { s.Crop = "kudzu" }, "cropType"},
		{"negative fuel", func(s *Submission) { s.FuelLoad = -1 }, "fuelLoad"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestCoordinator(newFakeStore())
			sub := validSubmission()
			test.mutate(sub)
			_, err := c.SubmitBurnRequest(context.Background(), sub)
			if err == nil {
				t.Fatal("want validation error")
			}
			if k := burncoord.KindOf(err); k != burncoord.KindValidation {
				t.Fatalf("error kind = %v; want %v", k, burncoord.KindValidation)
			}
			if fields := burncoord.FieldsOf(err); fields[test.field] == "" {
				t.Errorf("error fields = %v; want %q listed", fields, test.field)
			}
		})
	}
}

func TestSubmitFarmNotFound(t *testing.T) {
	c := newTestCoordinator(newFakeStore())
	sub := validSubmission()
	sub.FarmID = 99
	_, err := c.SubmitBurnRequest(context.Background(), sub)
	if err == nil {
		t.Fatal("want error for unknown farm")
	}
	if k := burncoord.KindOf(err); k != burncoord.KindNotFound {
		t.Errorf("error kind = %v; want %v", k, burncoord.KindNotFound)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	st := newFakeStore()
	st.dup = true
	c := newTestCoordinator(st)
	_, err := c.SubmitBurnRequest(context.Background(), validSubmission())
	if err == nil {
		t.Fatal("want error for duplicate submission")
	}
	if k := burncoord.KindOf(err); k != burncoord.KindConflict {
		t.Errorf("error kind = %v; want %v", k, burncoord.KindConflict)
	}
}

func TestPriorityMonotonicity(t *testing.T) {
	c := newTestCoordinator(newFakeStore())
	ctx := context.Background()

	base := validSubmission()
	larger := validSubmission()
	larger.AreaHa = 500
	if pa, pb := c.priority(ctx, base), c.priority(ctx, larger); pb < pa {
		t.Errorf("larger area priority %d < smaller area priority %d", pb, pa)
	}

	longer := validSubmission()
	longer.Window = burncoord.TimeWindow{StartMinute: 6 * 60, EndMinute: 16 * 60}
	if pa, pb := c.priority(ctx, base), c.priority(ctx, longer); pb < pa {
		t.Errorf("longer window priority %d < shorter window priority %d", pb, pa)
	}

	sensitive := validSubmission() // rice
	plain := validSubmission()
	plain.Crop = burncoord.CropCorn
	if ps, pp := c.priority(ctx, sensitive), c.priority(ctx, plain); ps < pp {
		t.Errorf("weather-sensitive crop priority %d < default crop priority %d", ps, pp)
	}
}

func TestPriorityOverride(t *testing.T) {
	c := newTestCoordinator(newFakeStore())
	ctx := context.Background()

	base := validSubmission()
	p := c.priority(ctx, base)

	raised := validSubmission()
	raised.PriorityOverride = 10
	if pr := c.priority(ctx, raised); pr <= p {
		t.Errorf("override-10 priority = %d; want > %d", pr, p)
	}

	lowered := validSubmission()
	lowered.PriorityOverride = 1
	if pl := c.priority(ctx, lowered); pl >= p {
		t.Errorf("override-1 priority = %d; want < %d", pl, p)
	}
}

func TestHistoricalSuccessFactor(t *testing.T) {
	st := newFakeStore()
	st.rates = map[burncoord.CropType]float64{burncoord.CropRice: 1.0}
	good := newTestCoordinator(st)

	st2 := newFakeStore()
	st2.rates = map[burncoord.CropType]float64{burncoord.CropRice: 0.0}
	bad := newTestCoordinator(st2)

	ctx := context.Background()
	sub := validSubmission()
	if pg, pb := good.priority(ctx, sub), bad.priority(ctx, sub); pg < pb {
		t.Errorf("perfect-history priority %d < no-success priority %d", pg, pb)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, burncoord.Errorf(burncoord.KindUpstream, "embed: provider down")
}

type fixedEmbedder struct{ v []float32 }

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.v, nil
}

func TestTerrainVectorEmbedderFailure(t *testing.T) {
	st := newFakeStore()
	c := newTestCoordinator(st)
	c.Embedder = failingEmbedder{}

	// Submission must still succeed; semantic dims are zero.
	_, err := c.SubmitBurnRequest(context.Background(), validSubmission())
	if err != nil {
		t.Fatal(err)
	}
	v := st.inserted.TerrainVector
	for i := tvSemantic; i < burncoord.TerrainDims; i++ {
		if v[i] != 0 {
			t.Errorf("semantic dim %d = %g; want 0 on provider failure", i, v[i])
		}
	}
	if m := burncoord.Magnitude(v); math.Abs(m-1) > 1e-3 {
		t.Errorf("magnitude = %g; want 1 from the structural dims alone", m)
	}
}

func TestTerrainVectorSemanticDims(t *testing.T) {
	st := newFakeStore()
	c := newTestCoordinator(st)
	emb := make([]float32, semanticDims)
	for i := range emb {
		emb[i] = 0.2
	}
	c.Embedder = fixedEmbedder{v: emb}

	if _, err := c.SubmitBurnRequest(context.Background(), validSubmission()); err != nil {
		t.Fatal(err)
	}
	v := st.inserted.TerrainVector
	nonzero := 0
	for i := tvSemantic; i < burncoord.TerrainDims; i++ {
		if v[i] != 0 {
			nonzero++
		}
	}
	if nonzero != semanticDims {
		t.Errorf("%d semantic dims populated; want %d", nonzero, semanticDims)
	}
}
