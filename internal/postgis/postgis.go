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

// Package postgis starts a throwaway PostgreSQL container with the
// PostGIS and pgvector extensions for store integration tests.
package postgis

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// defaultImage bundles PostGIS and pgvector. Override with
// BURNCOORD_TEST_DB_IMAGE.
const defaultImage = "ghcr.io/baosystems/postgis:16-3.4"

// SetupTestDB starts a PostgreSQL container with the PostGIS and
// pgvector extensions and returns a connection URL and the running
// container. The caller terminates the container when done.
func SetupTestDB(ctx context.Context, t *testing.T) (string, testcontainers.Container) {
	const (
		dbname = "burncoord"
		dbuser = "postgres"
		dbport = "5432"
	)
	image := os.Getenv("BURNCOORD_TEST_DB_IMAGE")
	if image == "" {
		image = defaultImage
	}

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{fmt.Sprintf("%s/tcp", dbport)},
		Env: map[string]string{
			"POSTGRES_DB":               dbname,
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections"),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := postgresC.MappedPort(ctx, dbport)
	if err != nil {
		t.Fatal(err)
	}
	url := fmt.Sprintf("postgres://%s@localhost:%s/%s", dbuser, p.Port(), dbname)

	// The container accepts connections briefly during initdb before
	// restarting, so retry until the final server is up.
	var conn *pgx.Conn
	err = backoff.Retry(func() error {
		conn, err = pgx.Connect(ctx, url)
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(ctx)

	for _, ext := range []string{"postgis", "vector"} {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+ext); err != nil {
			t.Fatalf("creating extension %s: %v", ext, err)
		}
	}
	return url, postgresC
}
