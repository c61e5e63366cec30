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

// Package store persists BurnCoord entities and answers
// vector-similarity and spatial queries over them. The production
// implementation is PostgreSQL with the PostGIS and pgvector
// extensions; MemStore provides the same interface in memory for unit
// tests and seeding.
package store

import (
	"context"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

// VectorTable selects which embedding column VectorTopK searches.
type VectorTable int

// The searchable embedding columns.
const (
	TerrainVectors VectorTable = iota // burn_requests.terrain_vector (32-d)
	PlumeVectors                      // smoke_predictions.plume_vector (64-d)
	WeatherVectors                    // weather_observations.weather_vector (128-d)
)

// Dims returns the fixed dimension of the vector column.
func (t VectorTable) Dims() int {
	switch t {
	case TerrainVectors:
		return burncoord.TerrainDims
	case PlumeVectors:
		return burncoord.PlumeDims
	case WeatherVectors:
		return burncoord.WeatherDims
	}
	return 0
}

// Neighbor is one vector-search result.
type Neighbor struct {
	ID       int64   `json:"id"`
	Distance float64 `json:"distance"` // cosine distance [0, 2]
}

// RequestFilter selects and pages burn requests. Zero fields are
// ignored.
type RequestFilter struct {
	Status burncoord.Status
	FarmID int64
	From   time.Time // inclusive burn-date lower bound
	To     time.Time // inclusive burn-date upper bound

	Page  int    // 1-based; zero means 1
	Limit int    // zero means 20, capped at 100
	Sort  string // "date", "priority", or "created"; default "date"
	Order string // "asc" or "desc"; default "asc"
}

// sanitize fills filter defaults.
func (f RequestFilter) sanitize() RequestFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	switch f.Sort {
	case "date", "priority", "created":
	default:
		f.Sort = "date"
	}
	if f.Order != "desc" {
		f.Order = "asc"
	}
	return f
}

// Pagination describes one page of a list response.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Store is the persistence interface shared by the pipeline stages.
// Implementations must return errors carrying the kinds the callers
// surface at the HTTP boundary: NOT_FOUND for missing rows, CONFLICT
// for forbidden status transitions and duplicates, VALIDATION for
// dimension mismatches.
type Store interface {
	// Farms and fields.
	InsertFarm(ctx context.Context, farm *burncoord.Farm) (int64, error)
	Farm(ctx context.Context, id int64) (*burncoord.Farm, error)
	InsertField(ctx context.Context, field *burncoord.Field) (int64, error)
	Field(ctx context.Context, id int64) (*burncoord.Field, error)

	// Burn requests.
	InsertBurnRequest(ctx context.Context, req *burncoord.BurnRequest) (int64, error)
	BurnRequest(ctx context.Context, id int64) (*burncoord.BurnRequest, error)
	BurnRequests(ctx context.Context, filter RequestFilter) ([]*burncoord.BurnRequest, *Pagination, error)
	UpdateBurnRequest(ctx context.Context, req *burncoord.BurnRequest) error
	// UpdateRequestStatus moves a request to a new lifecycle state,
	// rejecting transitions outside the allowed set with CONFLICT.
	UpdateRequestStatus(ctx context.Context, id int64, to burncoord.Status) error
	// DuplicateExists reports whether a non-cancelled request with the
	// same farm, field name, date, and window start already exists.
	DuplicateExists(ctx context.Context, farmID int64, fieldName string, date time.Time, startMinute int) (bool, error)
	// CropSuccessRate returns the completed share of terminal requests
	// for a crop; the boolean is false when there is no history.
	CropSuccessRate(ctx context.Context, crop burncoord.CropType) (float64, bool, error)
	// SchedulableRequests loads the pending and scheduled requests for
	// a burn date, ordered by id.
	SchedulableRequests(ctx context.Context, date time.Time) ([]*burncoord.BurnRequest, error)
	// RequestsNear lists non-terminal requests whose centroid lies
	// within radiusKm of loc.
	RequestsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]*burncoord.BurnRequest, error)

	// Weather observations.
	PutObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error)
	// ObservationNear returns the stored observation closest to loc
	// within one hour of t, preferring the nearest in space.
	ObservationNear(ctx context.Context, loc geom.Point, t time.Time) (*burncoord.WeatherObservation, error)

	// Smoke predictions. The latest prediction per request supersedes
	// earlier ones.
	PutPrediction(ctx context.Context, pred *burncoord.SmokePrediction) (int64, error)
	LatestPrediction(ctx context.Context, requestID int64) (*burncoord.SmokePrediction, error)
	// InsertRequestWithPrediction writes a request and its initial
	// prediction in one transaction.
	InsertRequestWithPrediction(ctx context.Context, req *burncoord.BurnRequest, pred *burncoord.SmokePrediction) (int64, error)

	// Conflicts. UpsertConflict is idempotent on the pair key:
	// re-detecting an existing conflict updates its measurements
	// without creating a new row.
	UpsertConflict(ctx context.Context, c *burncoord.Conflict) (int64, error)
	ConflictsForDate(ctx context.Context, date time.Time) ([]*burncoord.Conflict, error)
	ResolveConflict(ctx context.Context, id int64, res burncoord.ResolutionStatus) error

	// Schedule entries. SaveSchedule writes one optimizer run's
	// entries under a new version and makes it the active schedule.
	SaveSchedule(ctx context.Context, entries []*burncoord.ScheduleEntry) (version int64, err error)
	ActiveSchedule(ctx context.Context) ([]*burncoord.ScheduleEntry, error)
	ScheduleEntryFor(ctx context.Context, requestID int64) (*burncoord.ScheduleEntry, error)

	// Alerts.
	InsertAlert(ctx context.Context, a *burncoord.Alert) (int64, error)
	Alert(ctx context.Context, id int64) (*burncoord.Alert, error)
	RecordDelivery(ctx context.Context, alertID int64, d *burncoord.Delivery) error
	// Acknowledge marks a delivery acknowledged. Unknown alert or
	// recipient ids return NOT_FOUND.
	Acknowledge(ctx context.Context, alertID, recipientID int64, payload string) (*burncoord.Delivery, error)
	// RecipientsNear lists alert recipients whose farm lies within
	// radiusKm of loc.
	RecipientsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]burncoord.Recipient, error)

	// VectorTopK returns the k rows of table nearest to query by
	// cosine distance, ascending. The query dimension must match the
	// column.
	VectorTopK(ctx context.Context, table VectorTable, query []float32, k int) ([]Neighbor, error)

	// Spatial checks.
	SpatialValid(ctx context.Context, poly geom.Polygon) (bool, error)
	SpatialAreaM2(ctx context.Context, poly geom.Polygon) (float64, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	Close()
}
