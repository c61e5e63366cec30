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

// schema is the BurnCoord relational schema. Timestamps are UTC epoch
// microseconds; spatial columns are WGS84; embedding columns use
// pgvector with HNSW cosine indexes.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS farms (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		owner_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		location geometry(Point, 4326),
		permit_id TEXT NOT NULL DEFAULT '',
		area_ha DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS fields (
		id BIGSERIAL PRIMARY KEY,
		farm_id BIGINT NOT NULL REFERENCES farms(id),
		name TEXT NOT NULL,
		boundary geometry(Polygon, 4326),
		area_ha DOUBLE PRECISION NOT NULL,
		crop TEXT NOT NULL,
		last_burn BIGINT
	)`,

	`CREATE TABLE IF NOT EXISTS burn_requests (
		id BIGSERIAL PRIMARY KEY,
		field_id BIGINT NOT NULL,
		farm_id BIGINT NOT NULL REFERENCES farms(id),
		field_name TEXT NOT NULL,
		crop TEXT NOT NULL,
		area_ha DOUBLE PRECISION NOT NULL,
		fuel_load DOUBLE PRECISION NOT NULL,
		burn_date BIGINT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		terrain_vector vector(32),
		boundary geometry(Polygon, 4326),
		centroid geometry(Point, 4326),
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS burn_requests_status_date
		ON burn_requests (status, burn_date)`,
	`CREATE INDEX IF NOT EXISTS burn_requests_centroid
		ON burn_requests USING GIST (centroid)`,
	`CREATE INDEX IF NOT EXISTS burn_requests_terrain
		ON burn_requests USING hnsw (terrain_vector vector_cosine_ops)`,

	`CREATE TABLE IF NOT EXISTS weather_observations (
		id BIGSERIAL PRIMARY KEY,
		location geometry(Point, 4326),
		obs_time BIGINT NOT NULL,
		temperature_c DOUBLE PRECISION NOT NULL,
		humidity DOUBLE PRECISION NOT NULL,
		wind_speed DOUBLE PRECISION NOT NULL,
		wind_direction DOUBLE PRECISION NOT NULL,
		pressure DOUBLE PRECISION NOT NULL,
		visibility DOUBLE PRECISION NOT NULL,
		cloud_cover DOUBLE PRECISION NOT NULL,
		precipitation DOUBLE PRECISION NOT NULL,
		stability INTEGER NOT NULL,
		mixing_height DOUBLE PRECISION NOT NULL,
		weather_vector vector(128),
		forecast BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS weather_observations_time
		ON weather_observations (obs_time)`,
	`CREATE INDEX IF NOT EXISTS weather_observations_location
		ON weather_observations USING GIST (location)`,
	`CREATE INDEX IF NOT EXISTS weather_observations_vector
		ON weather_observations USING hnsw (weather_vector vector_cosine_ops)`,

	`CREATE TABLE IF NOT EXISTS smoke_predictions (
		id BIGSERIAL PRIMARY KEY,
		burn_request_id BIGINT NOT NULL REFERENCES burn_requests(id),
		predicted_at BIGINT NOT NULL,
		plume geometry(Polygon, 4326),
		max_pm25 DOUBLE PRECISION NOT NULL,
		affected_km2 DOUBLE PRECISION NOT NULL,
		radius_km DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		plume_vector vector(64)
	)`,
	`CREATE INDEX IF NOT EXISTS smoke_predictions_request
		ON smoke_predictions (burn_request_id, predicted_at DESC)`,
	`CREATE INDEX IF NOT EXISTS smoke_predictions_vector
		ON smoke_predictions USING hnsw (plume_vector vector_cosine_ops)`,

	`CREATE TABLE IF NOT EXISTS burn_conflicts (
		id BIGSERIAL PRIMARY KEY,
		request_a BIGINT NOT NULL,
		request_b BIGINT NOT NULL,
		burn_date BIGINT NOT NULL,
		pair_key TEXT NOT NULL UNIQUE,
		overlap geometry(Polygon, 4326),
		overlap_km2 DOUBLE PRECISION NOT NULL,
		max_combined DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		resolution TEXT NOT NULL,
		detected_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS burn_conflicts_date
		ON burn_conflicts (burn_date)`,

	`CREATE SEQUENCE IF NOT EXISTS schedule_version_seq`,
	`CREATE TABLE IF NOT EXISTS schedule_entries (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		burn_date BIGINT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		deferred BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		cost DOUBLE PRECISION NOT NULL,
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS schedule_entries_version
		ON schedule_entries (version)`,
	`CREATE INDEX IF NOT EXISTS schedule_entries_request
		ON schedule_entries (request_id, version DESC)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		variables JSONB,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_recipients (
		alert_id BIGINT NOT NULL REFERENCES alerts(id),
		recipient_id BIGINT NOT NULL,
		farm_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		channels TEXT[] NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (alert_id, recipient_id)
	)`,

	`CREATE TABLE IF NOT EXISTS alert_deliveries (
		alert_id BIGINT NOT NULL REFERENCES alerts(id),
		recipient_id BIGINT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		sent_at BIGINT NOT NULL,
		acked_at BIGINT,
		ack_payload TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (alert_id, recipient_id)
	)`,
}
