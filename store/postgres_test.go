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

package store

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
	"github.com/spatialmodel/burncoord/internal/postgis"
)

// TestPGStore exercises the PostgreSQL implementation against a real
// PostGIS+pgvector container. It needs Docker; set
// BURNCOORD_TEST_DOCKER=1 to run it.
func TestPGStore(t *testing.T) {
	if os.Getenv("BURNCOORD_TEST_DOCKER") == "" {
		t.Skip("set BURNCOORD_TEST_DOCKER=1 to run the container-backed store test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	url, container := postgis.SetupTestDB(ctx, t)
	defer container.Terminate(ctx)

	s, err := Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	farm := &burncoord.Farm{
		Name: "Delta Farms", OwnerName: "R. Okafor", Phone: "+15551234567",
		Email: "delta@example.com", Location: geom.Point{X: -121.49, Y: 38.58},
		AreaHa: 900,
	}
	farmID, err := s.InsertFarm(ctx, farm)
	if err != nil {
		t.Fatal(err)
	}
	gotFarm, err := s.Farm(ctx, farmID)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(gotFarm.Location.X+121.49) > 1e-6 || gotFarm.Name != farm.Name {
		t.Errorf("farm round trip = %+v", gotFarm)
	}

	half := math.Sqrt(50*1e4) / 2
	dLat := half / 111320.
	dLon := half / (111320. * math.Cos(38.58*math.Pi/180))
	boundary := geom.Polygon{{
		{X: -121.49 - dLon, Y: 38.58 - dLat},
		{X: -121.49 + dLon, Y: 38.58 - dLat},
		{X: -121.49 + dLon, Y: 38.58 + dLat},
		{X: -121.49 - dLon, Y: 38.58 + dLat},
		{X: -121.49 - dLon, Y: 38.58 - dLat},
	}}

	valid, err := s.SpatialValid(ctx, boundary)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("ST_IsValid rejected a closed square")
	}
	area, err := s.SpatialAreaM2(ctx, boundary)
	if err != nil {
		t.Fatal(err)
	}
	if want := 50 * 1e4; math.Abs(area-want)/want > 0.05 {
		t.Errorf("geodesic area = %g m²; want within 5%% of %g", area, want)
	}

	req := storeRequest(farmID, storeDate)
	req.Boundary = boundary
	id, err := s.InsertBurnRequest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.BurnRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Crop != burncoord.CropRice || got.Window.StartMinute != 540 {
		t.Errorf("request round trip = %+v", got)
	}
	if len(got.TerrainVector) != burncoord.TerrainDims {
		t.Fatalf("terrain vector came back with %d dims; want %d",
			len(got.TerrainVector), burncoord.TerrainDims)
	}
	if !got.Date.Equal(storeDate) {
		t.Errorf("burn date = %v; want %v", got.Date, storeDate)
	}
	if len(got.Boundary) != 1 || len(got.Boundary[0]) != 5 {
		t.Errorf("boundary round trip lost points: %v", got.Boundary)
	}

	if err := s.UpdateRequestStatus(ctx, id, burncoord.StatusScheduled); err != nil {
		t.Fatal(err)
	}
	err = s.UpdateRequestStatus(ctx, id, burncoord.StatusCompleted)
	if burncoord.KindOf(err) != burncoord.KindConflict {
		t.Errorf("forbidden transition error kind = %v; want %v",
			burncoord.KindOf(err), burncoord.KindConflict)
	}

	dup, err := s.DuplicateExists(ctx, farmID, "F1", storeDate, 540)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("stored request not reported as duplicate")
	}

	// Vector search should put an identical vector at distance zero.
	other := storeRequest(farmID, storeDate.AddDate(0, 0, 1))
	other.TerrainVector = unitVector(burncoord.TerrainDims, 3)
	if _, err := s.InsertBurnRequest(ctx, other); err != nil {
		t.Fatal(err)
	}
	neighbors, err := s.VectorTopK(ctx, TerrainVectors, unitVector(burncoord.TerrainDims, 0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 2 || neighbors[0].ID != id || neighbors[0].Distance > 1e-6 {
		t.Errorf("neighbors = %+v; want request %d first at distance 0", neighbors, id)
	}

	obs := &burncoord.WeatherObservation{
		Location: geom.Point{X: -121.49, Y: 38.58},
		Time:     storeDate.Add(10 * time.Hour), TemperatureC: 22,
		Humidity: 45, WindSpeed: 3.5, WindDirection: 225, Pressure: 1015,
		Visibility: 16, Stability: burncoord.ClassC, MixingHeight: 1200,
		WeatherVector: unitVector(burncoord.WeatherDims, 0),
	}
	if _, err := s.PutObservation(ctx, obs); err != nil {
		t.Fatal(err)
	}
	gotObs, err := s.ObservationNear(ctx, obs.Location, obs.Time.Add(20*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if gotObs.Stability != burncoord.ClassC || gotObs.WindSpeed != 3.5 {
		t.Errorf("observation round trip = %+v", gotObs)
	}

	conflict := &burncoord.Conflict{
		RequestA: id, RequestB: other.ID, Date: storeDate,
		PairKey: "it:pair", MaxCombined: 60,
		Severity: burncoord.SeverityHigh,
	}
	cid1, err := s.UpsertConflict(ctx, conflict)
	if err != nil {
		t.Fatal(err)
	}
	conflict.MaxCombined = 70
	cid2, err := s.UpsertConflict(ctx, conflict)
	if err != nil {
		t.Fatal(err)
	}
	if cid1 != cid2 {
		t.Errorf("conflict upsert created a new row: %d then %d", cid1, cid2)
	}
	conflicts, err := s.ConflictsForDate(ctx, storeDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].MaxCombined != 70 {
		t.Errorf("conflicts = %+v; want one refreshed row", conflicts)
	}
}
