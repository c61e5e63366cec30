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

// Package coordinate validates and registers burn requests: input
// validation, deterministic priority scoring, and the 32-dimensional
// terrain embedding.
package coordinate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// Store is the persistence surface the Coordinator needs.
type Store interface {
	// Farm returns the farm with the given id, or a NOT_FOUND error.
	Farm(ctx context.Context, id int64) (*burncoord.Farm, error)
	// DuplicateExists reports whether a request with the same farm,
	// field name, date, and window start already exists.
	DuplicateExists(ctx context.Context, farmID int64, fieldName string, date time.Time, startMinute int) (bool, error)
	// InsertBurnRequest persists a new request and returns its id.
	InsertBurnRequest(ctx context.Context, req *burncoord.BurnRequest) (int64, error)
	// CropSuccessRate returns the historical completed/total ratio for
	// a crop. The boolean is false when there is no history.
	CropSuccessRate(ctx context.Context, crop burncoord.CropType) (float64, bool, error)
}

// Embedder produces text embeddings for the semantic terrain dims. It
// is optional; failures degrade to zeros.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Coordinator validates, scores, and stores burn requests.
type Coordinator struct {
	Store    Store
	Embedder Embedder // may be nil

	Log logrus.FieldLogger

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Coordinator.
func New(store Store) *Coordinator {
	return &Coordinator{
		Store: store,
		Log:   logrus.StandardLogger(),
		now:   time.Now,
	}
}

// Receipt is the synchronous result of a submission.
type Receipt struct {
	RequestID int64            `json:"requestId"`
	Priority  int              `json:"priority"`
	Status    burncoord.Status `json:"status"`
	NextStage string           `json:"nextStage"`
}

// SubmitBurnRequest validates a submission, scores its priority,
// computes the terrain embedding, and stores the request with status
// pending. Duplicate submissions (same farm, field, date, and window
// start) are rejected with a CONFLICT error.
func (c *Coordinator) SubmitBurnRequest(ctx context.Context, sub *Submission) (*Receipt, error) {
	if err := c.validate(sub); err != nil {
		return nil, err
	}

	if _, err := c.Store.Farm(ctx, sub.FarmID); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindNotFound, err, "coordinate: farm %d", sub.FarmID)
	}

	dup, err := c.Store.DuplicateExists(ctx, sub.FarmID, sub.FieldName, sub.Date, sub.Window.StartMinute)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "coordinate: duplicate check")
	}
	if dup {
		return nil, burncoord.Errorf(burncoord.KindConflict,
			"coordinate: duplicate request for farm %d field %q on %s",
			sub.FarmID, sub.FieldName, sub.Date.Format("2006-01-02"))
	}

	priority := c.priority(ctx, sub)

	req := &burncoord.BurnRequest{
		FieldID:       sub.FieldID,
		FarmID:        sub.FarmID,
		FieldName:     sub.FieldName,
		Crop:          sub.Crop,
		AreaHa:        sub.AreaHa,
		FuelLoad:      sub.FuelLoad,
		Date:          sub.Date.UTC(),
		Window:        sub.Window,
		Status:        burncoord.StatusPending,
		Priority:      priority,
		Boundary:      sub.Boundary,
		Centroid:      sub.Boundary.Centroid(),
		CreatedAt:     c.now().UTC(),
		TerrainVector: c.terrainVector(ctx, sub),
	}

	id, err := c.Store.InsertBurnRequest(ctx, req)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "coordinate: storing request")
	}
	req.ID = id

	return &Receipt{
		RequestID: id,
		Priority:  priority,
		Status:    burncoord.StatusPending,
		NextStage: "weather",
	}, nil
}
