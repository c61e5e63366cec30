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
	"sort"
	"sync"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/burncoord"
)

// MemStore is an in-memory Store for unit tests and the seed command.
// It is safe for concurrent use.
type MemStore struct {
	mu sync.Mutex

	farms        map[int64]*burncoord.Farm
	fields       map[int64]*burncoord.Field
	requests     map[int64]*burncoord.BurnRequest
	observations []*burncoord.WeatherObservation
	predictions  []*burncoord.SmokePrediction
	conflicts    map[string]*burncoord.Conflict // by pair key
	schedules    map[int64][]*burncoord.ScheduleEntry
	alerts       map[int64]*burncoord.Alert

	nextID      int64
	nextVersion int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		farms:     map[int64]*burncoord.Farm{},
		fields:    map[int64]*burncoord.Field{},
		requests:  map[int64]*burncoord.BurnRequest{},
		conflicts: map[string]*burncoord.Conflict{},
		schedules: map[int64][]*burncoord.ScheduleEntry{},
		alerts:    map[int64]*burncoord.Alert{},
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

// Ping implements Store.
func (m *MemStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *MemStore) Close() {}

// InsertFarm implements Store.
func (m *MemStore) InsertFarm(ctx context.Context, farm *burncoord.Farm) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *farm
	f.ID = m.id()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	m.farms[f.ID] = &f
	farm.ID = f.ID
	return f.ID, nil
}

// Farm implements Store.
func (m *MemStore) Farm(ctx context.Context, id int64) (*burncoord.Farm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.farms[id]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: farm %d", id)
	}
	cp := *f
	return &cp, nil
}

// InsertField implements Store.
func (m *MemStore) InsertField(ctx context.Context, field *burncoord.Field) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := *field
	f.ID = m.id()
	m.fields[f.ID] = &f
	field.ID = f.ID
	return f.ID, nil
}

// Field implements Store.
func (m *MemStore) Field(ctx context.Context, id int64) (*burncoord.Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fields[id]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: field %d", id)
	}
	cp := *f
	return &cp, nil
}

// InsertBurnRequest implements Store.
func (m *MemStore) InsertBurnRequest(ctx context.Context, req *burncoord.BurnRequest) (int64, error) {
	if err := burncoord.CheckDims(req.TerrainVector, burncoord.TerrainDims); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *req
	r.ID = m.id()
	r.Date = r.Date.UTC().Truncate(24 * time.Hour)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.requests[r.ID] = &r
	req.ID = r.ID
	return r.ID, nil
}

// BurnRequest implements Store.
func (m *MemStore) BurnRequest(ctx context.Context, id int64) (*burncoord.BurnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: burn request %d", id)
	}
	cp := *r
	return &cp, nil
}

// BurnRequests implements Store.
func (m *MemStore) BurnRequests(ctx context.Context, filter RequestFilter) ([]*burncoord.BurnRequest, *Pagination, error) {
	f := filter.sanitize()
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*burncoord.BurnRequest
	for _, r := range m.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.FarmID != 0 && r.FarmID != f.FarmID {
			continue
		}
		if !f.From.IsZero() && r.Date.Before(f.From.UTC().Truncate(24*time.Hour)) {
			continue
		}
		if !f.To.IsZero() && r.Date.After(f.To.UTC().Truncate(24*time.Hour)) {
			continue
		}
		matched = append(matched, r)
	}

	less := func(a, b *burncoord.BurnRequest) bool {
		switch f.Sort {
		case "priority":
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		case "created":
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		default:
			if !a.Date.Equal(b.Date) {
				return a.Date.Before(b.Date)
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(matched, func(i, j int) bool {
		if f.Order == "desc" {
			return less(matched[j], matched[i])
		}
		return less(matched[i], matched[j])
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	out := make([]*burncoord.BurnRequest, 0, end-start)
	for _, r := range matched[start:end] {
		cp := *r
		out = append(out, &cp)
	}
	pages := (total + f.Limit - 1) / f.Limit
	return out, &Pagination{Page: f.Page, Limit: f.Limit, Total: total, Pages: pages}, nil
}

// UpdateBurnRequest implements Store.
func (m *MemStore) UpdateBurnRequest(ctx context.Context, req *burncoord.BurnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[req.ID]
	if !ok {
		return burncoord.Errorf(burncoord.KindNotFound, "store: burn request %d", req.ID)
	}
	status, created := r.Status, r.CreatedAt
	cp := *req
	cp.Status = status
	cp.CreatedAt = created
	cp.Date = cp.Date.UTC().Truncate(24 * time.Hour)
	m.requests[req.ID] = &cp
	return nil
}

// UpdateRequestStatus implements Store.
func (m *MemStore) UpdateRequestStatus(ctx context.Context, id int64, to burncoord.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return burncoord.Errorf(burncoord.KindNotFound, "store: burn request %d", id)
	}
	if !burncoord.CanTransition(r.Status, to) {
		return burncoord.Errorf(burncoord.KindConflict,
			"store: burn request %d cannot move from %s to %s", id, r.Status, to)
	}
	r.Status = to
	return nil
}

// DuplicateExists implements Store.
func (m *MemStore) DuplicateExists(ctx context.Context, farmID int64, fieldName string, date time.Time, startMinute int) (bool, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.FarmID == farmID && r.FieldName == fieldName &&
			r.Date.Equal(day) && r.Window.StartMinute == startMinute &&
			r.Status != burncoord.StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

// CropSuccessRate implements Store.
func (m *MemStore) CropSuccessRate(ctx context.Context, crop burncoord.CropType) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var completed, total int
	for _, r := range m.requests {
		if r.Crop != crop || !r.Status.Terminal() {
			continue
		}
		total++
		if r.Status == burncoord.StatusCompleted {
			completed++
		}
	}
	if total == 0 {
		return 0, false, nil
	}
	return float64(completed) / float64(total), true, nil
}

// SchedulableRequests implements Store.
func (m *MemStore) SchedulableRequests(ctx context.Context, date time.Time) ([]*burncoord.BurnRequest, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*burncoord.BurnRequest
	for _, r := range m.requests {
		if r.Date.Equal(day) && r.Status.Schedulable() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// kmBetween is the approximate ground distance between two WGS84
// points.
func kmBetween(a, b geom.Point) float64 {
	const kmPerDeg = 111.32
	dy := (b.Y - a.Y) * kmPerDeg
	dx := (b.X - a.X) * kmPerDeg * math.Cos((a.Y+b.Y)/2*math.Pi/180)
	return math.Hypot(dx, dy)
}

// RequestsNear implements Store.
func (m *MemStore) RequestsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]*burncoord.BurnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*burncoord.BurnRequest
	for _, r := range m.requests {
		if r.Status.Terminal() {
			continue
		}
		if kmBetween(loc, r.Centroid) <= radiusKm {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutObservation implements Store.
func (m *MemStore) PutObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error) {
	if err := burncoord.CheckDims(obs.WeatherVector, burncoord.WeatherDims); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o := *obs
	o.ID = m.id()
	m.observations = append(m.observations, &o)
	obs.ID = o.ID
	return o.ID, nil
}

// ObservationNear implements Store.
func (m *MemStore) ObservationNear(ctx context.Context, loc geom.Point, t time.Time) (*burncoord.WeatherObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best     *burncoord.WeatherObservation
		bestDist float64
	)
	for _, o := range m.observations {
		dt := o.Time.Sub(t)
		if dt < 0 {
			dt = -dt
		}
		if dt > time.Hour {
			continue
		}
		d := kmBetween(loc, o.Location)
		if best == nil || d < bestDist {
			best, bestDist = o, d
		}
	}
	if best == nil {
		return nil, burncoord.Errorf(burncoord.KindNotFound,
			"store: no observation near %.3f, %.3f at %s", loc.Y, loc.X, t.Format(time.RFC3339))
	}
	cp := *best
	return &cp, nil
}

// PutPrediction implements Store.
func (m *MemStore) PutPrediction(ctx context.Context, pred *burncoord.SmokePrediction) (int64, error) {
	if err := burncoord.CheckDims(pred.PlumeVector, burncoord.PlumeDims); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *pred
	p.ID = m.id()
	if p.PredictedAt.IsZero() {
		p.PredictedAt = time.Now().UTC()
	}
	m.predictions = append(m.predictions, &p)
	pred.ID = p.ID
	return p.ID, nil
}

// LatestPrediction implements Store.
func (m *MemStore) LatestPrediction(ctx context.Context, requestID int64) (*burncoord.SmokePrediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *burncoord.SmokePrediction
	for _, p := range m.predictions {
		if p.BurnRequestID != requestID {
			continue
		}
		if best == nil || p.PredictedAt.After(best.PredictedAt) ||
			(p.PredictedAt.Equal(best.PredictedAt) && p.ID > best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: prediction for request %d", requestID)
	}
	cp := *best
	return &cp, nil
}

// InsertRequestWithPrediction implements Store.
func (m *MemStore) InsertRequestWithPrediction(ctx context.Context, req *burncoord.BurnRequest, pred *burncoord.SmokePrediction) (int64, error) {
	id, err := m.InsertBurnRequest(ctx, req)
	if err != nil {
		return 0, err
	}
	pred.BurnRequestID = id
	if _, err := m.PutPrediction(ctx, pred); err != nil {
		m.mu.Lock()
		delete(m.requests, id)
		m.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// UpsertConflict implements Store.
func (m *MemStore) UpsertConflict(ctx context.Context, c *burncoord.Conflict) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = burncoord.ResolutionPending
	}
	if prev, ok := m.conflicts[c.PairKey]; ok {
		cp := *c
		cp.ID = prev.ID
		cp.Resolution = prev.Resolution
		cp.Date = cp.Date.UTC().Truncate(24 * time.Hour)
		m.conflicts[c.PairKey] = &cp
		c.ID = prev.ID
		return prev.ID, nil
	}
	cp := *c
	cp.ID = m.id()
	cp.Date = cp.Date.UTC().Truncate(24 * time.Hour)
	m.conflicts[c.PairKey] = &cp
	c.ID = cp.ID
	return cp.ID, nil
}

// ConflictsForDate implements Store.
func (m *MemStore) ConflictsForDate(ctx context.Context, date time.Time) ([]*burncoord.Conflict, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*burncoord.Conflict
	for _, c := range m.conflicts {
		if c.Date.Equal(day) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RequestA != b.RequestA {
			return a.RequestA < b.RequestA
		}
		return a.RequestB < b.RequestB
	})
	return out, nil
}

// ResolveConflict implements Store.
func (m *MemStore) ResolveConflict(ctx context.Context, id int64, res burncoord.ResolutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if c.ID == id {
			c.Resolution = res
			return nil
		}
	}
	return burncoord.Errorf(burncoord.KindNotFound, "store: conflict %d", id)
}

// SaveSchedule implements Store.
func (m *MemStore) SaveSchedule(ctx context.Context, entries []*burncoord.ScheduleEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextVersion++
	version := m.nextVersion
	now := time.Now().UTC()
	saved := make([]*burncoord.ScheduleEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		cp.ID = m.id()
		cp.Version = version
		cp.CreatedAt = now
		saved = append(saved, &cp)
	}
	m.schedules[version] = saved
	return version, nil
}

// ActiveSchedule implements Store.
func (m *MemStore) ActiveSchedule(ctx context.Context) ([]*burncoord.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.schedules[m.nextVersion]
	out := make([]*burncoord.ScheduleEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// ScheduleEntryFor implements Store.
func (m *MemStore) ScheduleEntryFor(ctx context.Context, requestID int64) (*burncoord.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v := m.nextVersion; v >= 1; v-- {
		for _, e := range m.schedules[v] {
			if e.RequestID == requestID {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, burncoord.Errorf(burncoord.KindNotFound, "store: schedule entry for request %d", requestID)
}

// InsertAlert implements Store.
func (m *MemStore) InsertAlert(ctx context.Context, a *burncoord.Alert) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.ID = m.id()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Recipients = append([]burncoord.Recipient(nil), a.Recipients...)
	cp.Deliveries = nil
	m.alerts[cp.ID] = &cp
	a.ID = cp.ID
	return cp.ID, nil
}

// Alert implements Store.
func (m *MemStore) Alert(ctx context.Context, id int64) (*burncoord.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: alert %d", id)
	}
	cp := *a
	cp.Recipients = append([]burncoord.Recipient(nil), a.Recipients...)
	cp.Deliveries = append([]burncoord.Delivery(nil), a.Deliveries...)
	return &cp, nil
}

// RecordDelivery implements Store.
func (m *MemStore) RecordDelivery(ctx context.Context, alertID int64, d *burncoord.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return burncoord.Errorf(burncoord.KindNotFound, "store: alert %d", alertID)
	}
	for i := range a.Deliveries {
		if a.Deliveries[i].RecipientID == d.RecipientID {
			a.Deliveries[i] = *d
			return nil
		}
	}
	a.Deliveries = append(a.Deliveries, *d)
	return nil
}

// Acknowledge implements Store.
func (m *MemStore) Acknowledge(ctx context.Context, alertID, recipientID int64, payload string) (*burncoord.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindNotFound, "store: alert %d", alertID)
	}
	for i := range a.Deliveries {
		if a.Deliveries[i].RecipientID != recipientID {
			continue
		}
		now := time.Now().UTC()
		a.Deliveries[i].Status = burncoord.DeliveryAcked
		a.Deliveries[i].AckedAt = &now
		a.Deliveries[i].AckPayload = payload
		cp := a.Deliveries[i]
		return &cp, nil
	}
	return nil, burncoord.Errorf(burncoord.KindNotFound,
		"store: delivery for alert %d recipient %d", alertID, recipientID)
}

// RecipientsNear implements Store.
func (m *MemStore) RecipientsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]burncoord.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []burncoord.Recipient
	for _, f := range m.farms {
		if kmBetween(loc, f.Location) > radiusKm {
			continue
		}
		name := f.OwnerName
		if name == "" {
			name = f.Name
		}
		out = append(out, burncoord.Recipient{
			ID:     f.ID,
			FarmID: f.ID,
			Name:   name,
			Phone:  f.Phone,
			Email:  f.Email,
			Channels: []burncoord.Channel{
				burncoord.ChannelSMS, burncoord.ChannelVoice, burncoord.ChannelEmail,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VectorTopK implements Store.
func (m *MemStore) VectorTopK(ctx context.Context, table VectorTable, query []float32, k int) ([]Neighbor, error) {
	if err := burncoord.CheckDims(query, table.Dims()); err != nil {
		return nil, err
	}
	if k < 1 {
		k = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Neighbor
	add := func(id int64, v []float32) {
		if len(v) != table.Dims() {
			return
		}
		out = append(out, Neighbor{ID: id, Distance: burncoord.CosineDistance(query, v)})
	}
	switch table {
	case TerrainVectors:
		for _, r := range m.requests {
			add(r.ID, r.TerrainVector)
		}
	case PlumeVectors:
		for _, p := range m.predictions {
			add(p.ID, p.PlumeVector)
		}
	case WeatherVectors:
		for _, o := range m.observations {
			add(o.ID, o.WeatherVector)
		}
	default:
		return nil, burncoord.Errorf(burncoord.KindValidation, "store: unknown vector table %d", table)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SpatialValid implements Store.
func (m *MemStore) SpatialValid(ctx context.Context, poly geom.Polygon) (bool, error) {
	if len(poly) != 1 {
		return false, nil
	}
	ring := poly[0]
	if len(ring) < 4 || ring[0] != ring[len(ring)-1] {
		return false, nil
	}
	for _, p := range ring {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) ||
			p.X < -180 || p.X > 180 || p.Y < -90 || p.Y > 90 {
			return false, nil
		}
	}
	return true, nil
}

// SpatialAreaM2 implements Store. The polygon is projected into a
// local equirectangular meters frame about its centroid.
func (m *MemStore) SpatialAreaM2(ctx context.Context, poly geom.Polygon) (float64, error) {
	if len(poly) == 0 {
		return 0, nil
	}
	cen := poly.Centroid()
	const mPerDeg = 111320.
	cosLat := math.Cos(cen.Y * math.Pi / 180)
	local := make(geom.Polygon, len(poly))
	for i, ring := range poly {
		local[i] = make([]geom.Point, len(ring))
		for j, p := range ring {
			local[i][j] = geom.Point{
				X: (p.X - cen.X) * mPerDeg * cosLat,
				Y: (p.Y - cen.Y) * mPerDeg,
			}
		}
	}
	return math.Abs(local.Area()), nil
}
