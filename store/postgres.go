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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/burncoord"
)

// PGStore is a Store backed by PostgreSQL with the PostGIS and
// pgvector extensions.
type PGStore struct {
	pool *pgxpool.Pool
	Log  logrus.FieldLogger
}

// Connect opens a connection pool to dsn, retrying with exponential
// backoff while the database starts up, and applies the schema.
func Connect(ctx context.Context, dsn string) (*PGStore, error) {
	var pool *pgxpool.Pool
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	err := backoff.Retry(func() error {
		var err error
		pool, err = pgxpool.Connect(ctx, dsn)
		return err
	}, b)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: connecting to database")
	}
	s := &PGStore{pool: pool, Log: logrus.StandardLogger()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return burncoord.WrapErr(burncoord.KindInternal, err, "store: applying schema")
		}
	}
	return nil
}

// Ping implements Store.
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: database unreachable")
	}
	return nil
}

// Close implements Store.
func (s *PGStore) Close() { s.pool.Close() }

// usec converts a time to UTC epoch microseconds; the zero time maps
// to zero.
func usec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

// fromUsec is the inverse of usec.
func fromUsec(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// dayUsec is the epoch microseconds of the UTC midnight containing t.
func dayUsec(t time.Time) int64 {
	return usec(t.UTC().Truncate(24 * time.Hour))
}

// geomArg encodes a geometry as GeoJSON for ST_GeomFromGeoJSON; nil
// geometries become SQL NULL.
func geomArg(g geom.Geom) (interface{}, error) {
	if g == nil {
		return nil, nil
	}
	if p, ok := g.(geom.Polygon); ok && len(p) == 0 {
		return nil, nil
	}
	b, err := geojson.Encode(g)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: encoding geometry")
	}
	return string(b), nil
}

func decodeGeom(gj *string) (geom.Geom, error) {
	if gj == nil || *gj == "" {
		return nil, nil
	}
	g, err := geojson.Decode([]byte(*gj))
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: decoding geometry")
	}
	return g, nil
}

func decodePolygon(gj *string) (geom.Polygon, error) {
	g, err := decodeGeom(gj)
	if err != nil || g == nil {
		return nil, err
	}
	p, ok := g.(geom.Polygon)
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindInternal, "store: stored geometry is %T, want polygon", g)
	}
	return p, nil
}

func decodePoint(gj *string) (geom.Point, error) {
	g, err := decodeGeom(gj)
	if err != nil || g == nil {
		return geom.Point{}, err
	}
	p, ok := g.(geom.Point)
	if !ok {
		return geom.Point{}, burncoord.Errorf(burncoord.KindInternal, "store: stored geometry is %T, want point", g)
	}
	return p, nil
}

// vecArg formats a vector as a pgvector literal; empty vectors become
// SQL NULL.
func vecArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return burncoord.VectorString(v)
}

// parseVector parses the pgvector text representation "[1,2,3]".
func parseVector(s *string) ([]float32, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	trimmed := strings.Trim(*s, "[]")
	if trimmed == "" {
		return []float32{}, nil
	}
	parts := strings.Split(trimmed, ",")
	v := make([]float32, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: parsing vector component %d", i)
		}
		v[i] = float32(x)
	}
	return v, nil
}

// wrapNoRows maps pgx.ErrNoRows to NOT_FOUND and anything else to
// INTERNAL.
func wrapNoRows(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return burncoord.WrapErr(burncoord.KindNotFound, err, format, args...)
	}
	return burncoord.WrapErr(burncoord.KindInternal, err, format, args...)
}

// InsertFarm implements Store.
func (s *PGStore) InsertFarm(ctx context.Context, farm *burncoord.Farm) (int64, error) {
	loc, err := geomArg(farm.Location)
	if err != nil {
		return 0, err
	}
	if farm.CreatedAt.IsZero() {
		farm.CreatedAt = time.Now().UTC()
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO farms
		(name, owner_name, phone, email, location, permit_id, area_ha, created_at)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_GeomFromGeoJSON($5), 4326), $6, $7, $8)
		RETURNING id`,
		farm.Name, farm.OwnerName, farm.Phone, farm.Email, loc,
		farm.PermitID, farm.AreaHa, usec(farm.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting farm")
	}
	return id, nil
}

// Farm implements Store.
func (s *PGStore) Farm(ctx context.Context, id int64) (*burncoord.Farm, error) {
	var (
		farm    burncoord.Farm
		loc     *string
		created int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, owner_name, phone, email,
		ST_AsGeoJSON(location), permit_id, area_ha, created_at
		FROM farms WHERE id = $1`, id).Scan(
		&farm.ID, &farm.Name, &farm.OwnerName, &farm.Phone, &farm.Email,
		&loc, &farm.PermitID, &farm.AreaHa, &created)
	if err != nil {
		return nil, wrapNoRows(err, "store: farm %d", id)
	}
	if farm.Location, err = decodePoint(loc); err != nil {
		return nil, err
	}
	farm.CreatedAt = fromUsec(created)
	return &farm, nil
}

// InsertField implements Store.
func (s *PGStore) InsertField(ctx context.Context, field *burncoord.Field) (int64, error) {
	boundary, err := geomArg(field.Boundary)
	if err != nil {
		return 0, err
	}
	var lastBurn interface{}
	if field.LastBurn != nil {
		lastBurn = usec(*field.LastBurn)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO fields
		(farm_id, name, boundary, area_ha, crop, last_burn)
		VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4, $5, $6)
		RETURNING id`,
		field.FarmID, field.Name, boundary, field.AreaHa, field.Crop, lastBurn).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting field")
	}
	return id, nil
}

// Field implements Store.
func (s *PGStore) Field(ctx context.Context, id int64) (*burncoord.Field, error) {
	var (
		field    burncoord.Field
		boundary *string
		lastBurn *int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, farm_id, name, ST_AsGeoJSON(boundary),
		area_ha, crop, last_burn FROM fields WHERE id = $1`, id).Scan(
		&field.ID, &field.FarmID, &field.Name, &boundary,
		&field.AreaHa, &field.Crop, &lastBurn)
	if err != nil {
		return nil, wrapNoRows(err, "store: field %d", id)
	}
	if field.Boundary, err = decodePolygon(boundary); err != nil {
		return nil, err
	}
	if lastBurn != nil {
		t := fromUsec(*lastBurn)
		field.LastBurn = &t
	}
	return &field, nil
}

const requestCols = `id, field_id, farm_id, field_name, crop, area_ha, fuel_load,
	burn_date, window_start, window_end, status, priority,
	terrain_vector::text, ST_AsGeoJSON(boundary), ST_AsGeoJSON(centroid), created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*burncoord.BurnRequest, error) {
	var (
		req               burncoord.BurnRequest
		date, created     int64
		vec, bnd, cen     *string
	)
	err := row.Scan(&req.ID, &req.FieldID, &req.FarmID, &req.FieldName, &req.Crop,
		&req.AreaHa, &req.FuelLoad, &date, &req.Window.StartMinute, &req.Window.EndMinute,
		&req.Status, &req.Priority, &vec, &bnd, &cen, &created)
	if err != nil {
		return nil, err
	}
	req.Date = fromUsec(date)
	req.CreatedAt = fromUsec(created)
	if req.TerrainVector, err = parseVector(vec); err != nil {
		return nil, err
	}
	if req.Boundary, err = decodePolygon(bnd); err != nil {
		return nil, err
	}
	if req.Centroid, err = decodePoint(cen); err != nil {
		return nil, err
	}
	return &req, nil
}

// InsertBurnRequest implements Store.
func (s *PGStore) InsertBurnRequest(ctx context.Context, req *burncoord.BurnRequest) (int64, error) {
	return s.insertRequest(ctx, s.pool, req)
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// the insert helpers run inside or outside a transaction.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *PGStore) insertRequest(ctx context.Context, q pgxQuerier, req *burncoord.BurnRequest) (int64, error) {
	if err := burncoord.CheckDims(req.TerrainVector, burncoord.TerrainDims); err != nil {
		return 0, err
	}
	boundary, err := geomArg(req.Boundary)
	if err != nil {
		return 0, err
	}
	centroid, err := geomArg(req.Centroid)
	if err != nil {
		return 0, err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	var id int64
	err = q.QueryRow(ctx, `INSERT INTO burn_requests
		(field_id, farm_id, field_name, crop, area_ha, fuel_load,
		 burn_date, window_start, window_end, status, priority,
		 terrain_vector, boundary, centroid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		 ST_SetSRID(ST_GeomFromGeoJSON($13), 4326),
		 ST_SetSRID(ST_GeomFromGeoJSON($14), 4326), $15)
		RETURNING id`,
		req.FieldID, req.FarmID, req.FieldName, req.Crop, req.AreaHa, req.FuelLoad,
		dayUsec(req.Date), req.Window.StartMinute, req.Window.EndMinute,
		req.Status, req.Priority, vecArg(req.TerrainVector),
		boundary, centroid, usec(req.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting burn request")
	}
	req.ID = id
	return id, nil
}

// BurnRequest implements Store.
func (s *PGStore) BurnRequest(ctx context.Context, id int64) (*burncoord.BurnRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM burn_requests WHERE id = $1`, id))
	if err != nil {
		return nil, wrapNoRows(err, "store: burn request %d", id)
	}
	return req, nil
}

// BurnRequests implements Store.
func (s *PGStore) BurnRequests(ctx context.Context, filter RequestFilter) ([]*burncoord.BurnRequest, *Pagination, error) {
	f := filter.sanitize()

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.FarmID != 0 {
		where = append(where, "farm_id = "+arg(f.FarmID))
	}
	if !f.From.IsZero() {
		where = append(where, "burn_date >= "+arg(dayUsec(f.From)))
	}
	if !f.To.IsZero() {
		where = append(where, "burn_date <= "+arg(dayUsec(f.To)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM burn_requests"+cond, args...).Scan(&total); err != nil {
		return nil, nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: counting burn requests")
	}

	sortCols := map[string]string{"date": "burn_date", "priority": "priority", "created": "created_at"}
	order := fmt.Sprintf(" ORDER BY %s %s, id ASC LIMIT %s OFFSET %s",
		sortCols[f.Sort], strings.ToUpper(f.Order), arg(f.Limit), arg((f.Page-1)*f.Limit))

	rows, err := s.pool.Query(ctx, "SELECT "+requestCols+" FROM burn_requests"+cond+order, args...)
	if err != nil {
		return nil, nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: listing burn requests")
	}
	defer rows.Close()

	var reqs []*burncoord.BurnRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning burn request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: listing burn requests")
	}

	pages := (total + f.Limit - 1) / f.Limit
	return reqs, &Pagination{Page: f.Page, Limit: f.Limit, Total: total, Pages: pages}, nil
}

// UpdateBurnRequest implements Store. The lifecycle status is not
// updated here; use UpdateRequestStatus so transitions are checked.
func (s *PGStore) UpdateBurnRequest(ctx context.Context, req *burncoord.BurnRequest) error {
	boundary, err := geomArg(req.Boundary)
	if err != nil {
		return err
	}
	centroid, err := geomArg(req.Centroid)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE burn_requests SET
		field_name = $2, crop = $3, area_ha = $4, fuel_load = $5,
		burn_date = $6, window_start = $7, window_end = $8, priority = $9,
		terrain_vector = $10,
		boundary = ST_SetSRID(ST_GeomFromGeoJSON($11), 4326),
		centroid = ST_SetSRID(ST_GeomFromGeoJSON($12), 4326)
		WHERE id = $1`,
		req.ID, req.FieldName, req.Crop, req.AreaHa, req.FuelLoad,
		dayUsec(req.Date), req.Window.StartMinute, req.Window.EndMinute,
		req.Priority, vecArg(req.TerrainVector), boundary, centroid)
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: updating burn request %d", req.ID)
	}
	if tag.RowsAffected() == 0 {
		return burncoord.Errorf(burncoord.KindNotFound, "store: burn request %d", req.ID)
	}
	return nil
}

// UpdateRequestStatus implements Store.
func (s *PGStore) UpdateRequestStatus(ctx context.Context, id int64, to burncoord.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: beginning transaction")
	}
	defer tx.Rollback(ctx)

	var from burncoord.Status
	err = tx.QueryRow(ctx, `SELECT status FROM burn_requests WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err != nil {
		return wrapNoRows(err, "store: burn request %d", id)
	}
	if !burncoord.CanTransition(from, to) {
		return burncoord.Errorf(burncoord.KindConflict,
			"store: burn request %d cannot move from %s to %s", id, from, to)
	}
	if _, err := tx.Exec(ctx, `UPDATE burn_requests SET status = $2 WHERE id = $1`, id, to); err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: updating status of burn request %d", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: committing status update")
	}
	return nil
}

// DuplicateExists implements Store.
func (s *PGStore) DuplicateExists(ctx context.Context, farmID int64, fieldName string, date time.Time, startMinute int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM burn_requests
		WHERE farm_id = $1 AND field_name = $2 AND burn_date = $3
		AND window_start = $4 AND status <> 'cancelled')`,
		farmID, fieldName, dayUsec(date), startMinute).Scan(&exists)
	if err != nil {
		return false, burncoord.WrapErr(burncoord.KindInternal, err, "store: checking for duplicate request")
	}
	return exists, nil
}

// CropSuccessRate implements Store.
func (s *PGStore) CropSuccessRate(ctx context.Context, crop burncoord.CropType) (float64, bool, error) {
	var completed, total int
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = 'completed'), COUNT(*)
		FROM burn_requests WHERE crop = $1
		AND status IN ('completed', 'cancelled', 'rejected')`, crop).Scan(&completed, &total)
	if err != nil {
		return 0, false, burncoord.WrapErr(burncoord.KindInternal, err, "store: querying %s success rate", crop)
	}
	if total == 0 {
		return 0, false, nil
	}
	return float64(completed) / float64(total), true, nil
}

// SchedulableRequests implements Store.
func (s *PGStore) SchedulableRequests(ctx context.Context, date time.Time) ([]*burncoord.BurnRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestCols+` FROM burn_requests
		WHERE burn_date = $1 AND status IN ('pending', 'scheduled')
		ORDER BY id`, dayUsec(date))
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading schedulable requests")
	}
	defer rows.Close()
	var reqs []*burncoord.BurnRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning burn request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading schedulable requests")
	}
	return reqs, nil
}

// RequestsNear implements Store.
func (s *PGStore) RequestsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]*burncoord.BurnRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+requestCols+` FROM burn_requests
		WHERE status IN ('pending', 'scheduled', 'active')
		AND centroid IS NOT NULL
		AND ST_DWithin(centroid::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY id`, loc.X, loc.Y, radiusKm*1000)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading nearby requests")
	}
	defer rows.Close()
	var reqs []*burncoord.BurnRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning burn request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading nearby requests")
	}
	return reqs, nil
}

const obsCols = `id, ST_AsGeoJSON(location), obs_time, temperature_c, humidity,
	wind_speed, wind_direction, pressure, visibility, cloud_cover,
	precipitation, stability, mixing_height, weather_vector::text, forecast`

func scanObservation(row rowScanner) (*burncoord.WeatherObservation, error) {
	var (
		obs      burncoord.WeatherObservation
		loc, vec *string
		t        int64
	)
	err := row.Scan(&obs.ID, &loc, &t, &obs.TemperatureC, &obs.Humidity,
		&obs.WindSpeed, &obs.WindDirection, &obs.Pressure, &obs.Visibility,
		&obs.CloudCover, &obs.Precipitation, &obs.Stability, &obs.MixingHeight,
		&vec, &obs.Forecast)
	if err != nil {
		return nil, err
	}
	obs.Time = fromUsec(t)
	if obs.Location, err = decodePoint(loc); err != nil {
		return nil, err
	}
	if obs.WeatherVector, err = parseVector(vec); err != nil {
		return nil, err
	}
	return &obs, nil
}

// PutObservation implements Store.
func (s *PGStore) PutObservation(ctx context.Context, obs *burncoord.WeatherObservation) (int64, error) {
	if err := burncoord.CheckDims(obs.WeatherVector, burncoord.WeatherDims); err != nil {
		return 0, err
	}
	loc, err := geomArg(obs.Location)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO weather_observations
		(location, obs_time, temperature_c, humidity, wind_speed, wind_direction,
		 pressure, visibility, cloud_cover, precipitation, stability,
		 mixing_height, weather_vector, forecast)
		VALUES (ST_SetSRID(ST_GeomFromGeoJSON($1), 4326), $2, $3, $4, $5, $6,
		 $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		loc, usec(obs.Time), obs.TemperatureC, obs.Humidity, obs.WindSpeed,
		obs.WindDirection, obs.Pressure, obs.Visibility, obs.CloudCover,
		obs.Precipitation, obs.Stability, obs.MixingHeight,
		vecArg(obs.WeatherVector), obs.Forecast).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting observation")
	}
	obs.ID = id
	return id, nil
}

// ObservationNear implements Store.
func (s *PGStore) ObservationNear(ctx context.Context, loc geom.Point, t time.Time) (*burncoord.WeatherObservation, error) {
	const window = time.Hour
	obs, err := scanObservation(s.pool.QueryRow(ctx, `SELECT `+obsCols+`
		FROM weather_observations
		WHERE obs_time BETWEEN $1 AND $2
		ORDER BY location <-> ST_SetSRID(ST_MakePoint($3, $4), 4326), ABS(obs_time - $5)
		LIMIT 1`,
		usec(t.Add(-window)), usec(t.Add(window)), loc.X, loc.Y, usec(t)))
	if err != nil {
		return nil, wrapNoRows(err, "store: no observation near %.3f, %.3f at %s",
			loc.Y, loc.X, t.Format(time.RFC3339))
	}
	return obs, nil
}

// PutPrediction implements Store.
func (s *PGStore) PutPrediction(ctx context.Context, pred *burncoord.SmokePrediction) (int64, error) {
	return s.putPrediction(ctx, s.pool, pred)
}

func (s *PGStore) putPrediction(ctx context.Context, q pgxQuerier, pred *burncoord.SmokePrediction) (int64, error) {
	if err := burncoord.CheckDims(pred.PlumeVector, burncoord.PlumeDims); err != nil {
		return 0, err
	}
	plume, err := geomArg(pred.Plume)
	if err != nil {
		return 0, err
	}
	if pred.PredictedAt.IsZero() {
		pred.PredictedAt = time.Now().UTC()
	}
	var id int64
	err = q.QueryRow(ctx, `INSERT INTO smoke_predictions
		(burn_request_id, predicted_at, plume, max_pm25, affected_km2,
		 radius_km, confidence, plume_vector)
		VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4, $5, $6, $7, $8)
		RETURNING id`,
		pred.BurnRequestID, usec(pred.PredictedAt), plume, pred.MaxPM25,
		pred.AffectedKm2, pred.RadiusKm, pred.Confidence,
		vecArg(pred.PlumeVector)).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting prediction")
	}
	pred.ID = id
	return id, nil
}

// LatestPrediction implements Store.
func (s *PGStore) LatestPrediction(ctx context.Context, requestID int64) (*burncoord.SmokePrediction, error) {
	var (
		pred       burncoord.SmokePrediction
		plume, vec *string
		at         int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, burn_request_id, predicted_at,
		ST_AsGeoJSON(plume), max_pm25, affected_km2, radius_km, confidence,
		plume_vector::text
		FROM smoke_predictions WHERE burn_request_id = $1
		ORDER BY predicted_at DESC, id DESC LIMIT 1`, requestID).Scan(
		&pred.ID, &pred.BurnRequestID, &at, &plume, &pred.MaxPM25,
		&pred.AffectedKm2, &pred.RadiusKm, &pred.Confidence, &vec)
	if err != nil {
		return nil, wrapNoRows(err, "store: prediction for request %d", requestID)
	}
	pred.PredictedAt = fromUsec(at)
	if pred.Plume, err = decodePolygon(plume); err != nil {
		return nil, err
	}
	if pred.PlumeVector, err = parseVector(vec); err != nil {
		return nil, err
	}
	return &pred, nil
}

// InsertRequestWithPrediction implements Store.
func (s *PGStore) InsertRequestWithPrediction(ctx context.Context, req *burncoord.BurnRequest, pred *burncoord.SmokePrediction) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: beginning transaction")
	}
	defer tx.Rollback(ctx)

	id, err := s.insertRequest(ctx, tx, req)
	if err != nil {
		return 0, err
	}
	pred.BurnRequestID = id
	if _, err := s.putPrediction(ctx, tx, pred); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: committing submission")
	}
	return id, nil
}

// UpsertConflict implements Store. Re-detecting an existing pair
// refreshes its measurements; the resolution state is preserved.
func (s *PGStore) UpsertConflict(ctx context.Context, c *burncoord.Conflict) (int64, error) {
	overlap, err := geomArg(c.Overlap)
	if err != nil {
		return 0, err
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = burncoord.ResolutionPending
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO burn_conflicts
		(request_a, request_b, burn_date, pair_key, overlap, overlap_km2,
		 max_combined, severity, resolution, detected_at)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_GeomFromGeoJSON($5), 4326),
		 $6, $7, $8, $9, $10)
		ON CONFLICT (pair_key) DO UPDATE SET
		 overlap = EXCLUDED.overlap,
		 overlap_km2 = EXCLUDED.overlap_km2,
		 max_combined = EXCLUDED.max_combined,
		 severity = EXCLUDED.severity,
		 detected_at = EXCLUDED.detected_at
		RETURNING id`,
		c.RequestA, c.RequestB, dayUsec(c.Date), c.PairKey, overlap,
		c.OverlapKm2, c.MaxCombined, c.Severity, c.Resolution,
		usec(c.DetectedAt)).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: upserting conflict %s", c.PairKey)
	}
	c.ID = id
	return id, nil
}

// ConflictsForDate implements Store.
func (s *PGStore) ConflictsForDate(ctx context.Context, date time.Time) ([]*burncoord.Conflict, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, request_a, request_b, burn_date,
		pair_key, ST_AsGeoJSON(overlap), overlap_km2, max_combined, severity,
		resolution, detected_at
		FROM burn_conflicts WHERE burn_date = $1
		ORDER BY request_a, request_b`, dayUsec(date))
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading conflicts")
	}
	defer rows.Close()
	var out []*burncoord.Conflict
	for rows.Next() {
		var (
			c            burncoord.Conflict
			day, at      int64
			overlap      *string
		)
		err := rows.Scan(&c.ID, &c.RequestA, &c.RequestB, &day, &c.PairKey,
			&overlap, &c.OverlapKm2, &c.MaxCombined, &c.Severity, &c.Resolution, &at)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning conflict")
		}
		c.Date = fromUsec(day)
		c.DetectedAt = fromUsec(at)
		if c.Overlap, err = decodePolygon(overlap); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading conflicts")
	}
	return out, nil
}

// ResolveConflict implements Store.
func (s *PGStore) ResolveConflict(ctx context.Context, id int64, res burncoord.ResolutionStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE burn_conflicts SET resolution = $2 WHERE id = $1`, id, res)
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "store: resolving conflict %d", id)
	}
	if tag.RowsAffected() == 0 {
		return burncoord.Errorf(burncoord.KindNotFound, "store: conflict %d", id)
	}
	return nil
}

// SaveSchedule implements Store.
func (s *PGStore) SaveSchedule(ctx context.Context, entries []*burncoord.ScheduleEntry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: beginning transaction")
	}
	defer tx.Rollback(ctx)

	var version int64
	if err := tx.QueryRow(ctx, `SELECT nextval('schedule_version_seq')`).Scan(&version); err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: allocating schedule version")
	}
	now := usec(time.Now().UTC())
	for _, e := range entries {
		_, err := tx.Exec(ctx, `INSERT INTO schedule_entries
			(request_id, burn_date, window_start, window_end, deferred,
			 reason, cost, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.RequestID, dayUsec(e.Date), e.Window.StartMinute, e.Window.EndMinute,
			e.Deferred, e.Reason, e.Cost, version, now)
		if err != nil {
			return 0, burncoord.WrapErr(burncoord.KindInternal, err,
				"store: inserting schedule entry for request %d", e.RequestID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: committing schedule")
	}
	return version, nil
}

func scanScheduleEntry(row rowScanner) (*burncoord.ScheduleEntry, error) {
	var (
		e            burncoord.ScheduleEntry
		day, created int64
	)
	err := row.Scan(&e.ID, &e.RequestID, &day, &e.Window.StartMinute,
		&e.Window.EndMinute, &e.Deferred, &e.Reason, &e.Cost, &e.Version, &created)
	if err != nil {
		return nil, err
	}
	e.Date = fromUsec(day)
	e.CreatedAt = fromUsec(created)
	return &e, nil
}

const entryCols = `id, request_id, burn_date, window_start, window_end,
	deferred, reason, cost, version, created_at`

// ActiveSchedule implements Store.
func (s *PGStore) ActiveSchedule(ctx context.Context) ([]*burncoord.ScheduleEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryCols+` FROM schedule_entries
		WHERE version = (SELECT COALESCE(MAX(version), 0) FROM schedule_entries)
		ORDER BY request_id`)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading active schedule")
	}
	defer rows.Close()
	var out []*burncoord.ScheduleEntry
	for rows.Next() {
		e, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning schedule entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading active schedule")
	}
	return out, nil
}

// ScheduleEntryFor implements Store.
func (s *PGStore) ScheduleEntryFor(ctx context.Context, requestID int64) (*burncoord.ScheduleEntry, error) {
	e, err := scanScheduleEntry(s.pool.QueryRow(ctx, `SELECT `+entryCols+`
		FROM schedule_entries WHERE request_id = $1
		ORDER BY version DESC LIMIT 1`, requestID))
	if err != nil {
		return nil, wrapNoRows(err, "store: schedule entry for request %d", requestID)
	}
	return e, nil
}

// InsertAlert implements Store.
func (s *PGStore) InsertAlert(ctx context.Context, a *burncoord.Alert) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: beginning transaction")
	}
	defer tx.Rollback(ctx)

	var vars interface{}
	if a.Variables != nil {
		b, err := json.Marshal(a.Variables)
		if err != nil {
			return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: encoding alert variables")
		}
		vars = b
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO alerts
		(type, severity, subject, body, variables, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		a.Type, a.Severity, a.Subject, a.Body, vars, usec(a.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting alert")
	}
	for _, r := range a.Recipients {
		channels := make([]string, len(r.Channels))
		for i, ch := range r.Channels {
			channels[i] = string(ch)
		}
		_, err := tx.Exec(ctx, `INSERT INTO alert_recipients
			(alert_id, recipient_id, farm_id, name, phone, email, channels, language)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, r.ID, r.FarmID, r.Name, r.Phone, r.Email, channels, r.Language)
		if err != nil {
			return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: inserting alert recipient %d", r.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: committing alert")
	}
	a.ID = id
	return id, nil
}

// Alert implements Store.
func (s *PGStore) Alert(ctx context.Context, id int64) (*burncoord.Alert, error) {
	var (
		a       burncoord.Alert
		vars    []byte
		created int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, type, severity, subject, body,
		variables, created_at FROM alerts WHERE id = $1`, id).Scan(
		&a.ID, &a.Type, &a.Severity, &a.Subject, &a.Body, &vars, &created)
	if err != nil {
		return nil, wrapNoRows(err, "store: alert %d", id)
	}
	a.CreatedAt = fromUsec(created)
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &a.Variables); err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: decoding alert variables")
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT recipient_id, farm_id, name, phone,
		email, channels, language FROM alert_recipients
		WHERE alert_id = $1 ORDER BY recipient_id`, id)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading alert recipients")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r        burncoord.Recipient
			channels []string
		)
		if err := rows.Scan(&r.ID, &r.FarmID, &r.Name, &r.Phone, &r.Email, &channels, &r.Language); err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning alert recipient")
		}
		for _, ch := range channels {
			r.Channels = append(r.Channels, burncoord.Channel(ch))
		}
		a.Recipients = append(a.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading alert recipients")
	}

	drows, err := s.pool.Query(ctx, `SELECT recipient_id, channel, status,
		attempts, error, sent_at, acked_at, ack_payload
		FROM alert_deliveries WHERE alert_id = $1 ORDER BY recipient_id`, id)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading alert deliveries")
	}
	defer drows.Close()
	for drows.Next() {
		var (
			d       burncoord.Delivery
			sentAt  int64
			ackedAt *int64
		)
		if err := drows.Scan(&d.RecipientID, &d.Channel, &d.Status, &d.Attempts,
			&d.Error, &sentAt, &ackedAt, &d.AckPayload); err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning alert delivery")
		}
		d.SentAt = fromUsec(sentAt)
		if ackedAt != nil {
			t := fromUsec(*ackedAt)
			d.AckedAt = &t
		}
		a.Deliveries = append(a.Deliveries, d)
	}
	if err := drows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading alert deliveries")
	}
	return &a, nil
}

// RecordDelivery implements Store.
func (s *PGStore) RecordDelivery(ctx context.Context, alertID int64, d *burncoord.Delivery) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO alert_deliveries
		(alert_id, recipient_id, channel, status, attempts, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id, recipient_id) DO UPDATE SET
		 channel = EXCLUDED.channel, status = EXCLUDED.status,
		 attempts = EXCLUDED.attempts, error = EXCLUDED.error,
		 sent_at = EXCLUDED.sent_at`,
		alertID, d.RecipientID, d.Channel, d.Status, d.Attempts, d.Error, usec(d.SentAt))
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err,
			"store: recording delivery for alert %d recipient %d", alertID, d.RecipientID)
	}
	return nil
}

// Acknowledge implements Store.
func (s *PGStore) Acknowledge(ctx context.Context, alertID, recipientID int64, payload string) (*burncoord.Delivery, error) {
	now := time.Now().UTC()
	var (
		d      burncoord.Delivery
		sentAt int64
	)
	err := s.pool.QueryRow(ctx, `UPDATE alert_deliveries SET
		status = 'acknowledged', acked_at = $3, ack_payload = $4
		WHERE alert_id = $1 AND recipient_id = $2
		RETURNING channel, attempts, error, sent_at`,
		alertID, recipientID, usec(now), payload).Scan(
		&d.Channel, &d.Attempts, &d.Error, &sentAt)
	if err != nil {
		return nil, wrapNoRows(err, "store: delivery for alert %d recipient %d", alertID, recipientID)
	}
	d.RecipientID = recipientID
	d.Status = burncoord.DeliveryAcked
	d.SentAt = fromUsec(sentAt)
	d.AckedAt = &now
	d.AckPayload = payload
	return &d, nil
}

// RecipientsNear implements Store. Recipients are derived from the
// registered farms within the radius.
func (s *PGStore) RecipientsNear(ctx context.Context, loc geom.Point, radiusKm float64) ([]burncoord.Recipient, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, owner_name, phone, email
		FROM farms WHERE location IS NOT NULL
		AND ST_DWithin(location::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY id`, loc.X, loc.Y, radiusKm*1000)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading nearby recipients")
	}
	defer rows.Close()
	var out []burncoord.Recipient
	for rows.Next() {
		var (
			r           burncoord.Recipient
			name, owner string
		)
		if err := rows.Scan(&r.FarmID, &name, &owner, &r.Phone, &r.Email); err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning recipient")
		}
		r.ID = r.FarmID
		r.Name = owner
		if r.Name == "" {
			r.Name = name
		}
		r.Channels = []burncoord.Channel{burncoord.ChannelSMS, burncoord.ChannelVoice, burncoord.ChannelEmail}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: loading nearby recipients")
	}
	return out, nil
}

// vectorColumns maps the searchable tables to their columns.
var vectorColumns = map[VectorTable]struct{ table, column string }{
	TerrainVectors: {"burn_requests", "terrain_vector"},
	PlumeVectors:   {"smoke_predictions", "plume_vector"},
	WeatherVectors: {"weather_observations", "weather_vector"},
}

// VectorTopK implements Store.
func (s *PGStore) VectorTopK(ctx context.Context, table VectorTable, query []float32, k int) ([]Neighbor, error) {
	tc, ok := vectorColumns[table]
	if !ok {
		return nil, burncoord.Errorf(burncoord.KindValidation, "store: unknown vector table %d", table)
	}
	if err := burncoord.CheckDims(query, table.Dims()); err != nil {
		return nil, err
	}
	if k < 1 {
		k = 1
	}
	sql := fmt.Sprintf(`SELECT id, (%s <=> $1::vector)::float8
		FROM %s WHERE %s IS NOT NULL
		ORDER BY %s <=> $1::vector, id LIMIT $2`,
		tc.column, tc.table, tc.column, tc.column)
	rows, err := s.pool.Query(ctx, sql, burncoord.VectorString(query), k)
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: vector search on %s", tc.table)
	}
	defer rows.Close()
	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Distance); err != nil {
			return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: scanning vector match")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "store: vector search on %s", tc.table)
	}
	return out, nil
}

// SpatialValid implements Store.
func (s *PGStore) SpatialValid(ctx context.Context, poly geom.Polygon) (bool, error) {
	g, err := geomArg(poly)
	if err != nil {
		return false, err
	}
	if g == nil {
		return false, nil
	}
	var valid bool
	err = s.pool.QueryRow(ctx, `SELECT ST_IsValid(ST_GeomFromGeoJSON($1))`, g).Scan(&valid)
	if err != nil {
		return false, burncoord.WrapErr(burncoord.KindInternal, err, "store: validating geometry")
	}
	return valid, nil
}

// SpatialAreaM2 implements Store.
func (s *PGStore) SpatialAreaM2(ctx context.Context, poly geom.Polygon) (float64, error) {
	g, err := geomArg(poly)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return 0, nil
	}
	var area float64
	err = s.pool.QueryRow(ctx,
		`SELECT ST_Area(ST_SetSRID(ST_GeomFromGeoJSON($1), 4326)::geography)`, g).Scan(&area)
	if err != nil {
		return 0, burncoord.WrapErr(burncoord.KindInternal, err, "store: measuring geometry")
	}
	return area, nil
}
