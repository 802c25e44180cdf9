// Package dbtest はテスト用の PostgreSQL コンテナを起動します。
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yourusername/korsify/internal/database"
)

// StartPostgres は PostgreSQL コンテナを起動して接続済みの DB を返します。
// -short 指定時やコンテナを起動できない環境ではテストをスキップします。
func StartPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "korsify",
				"POSTGRES_PASSWORD": "korsify",
				"POSTGRES_DB":       "korsify",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://korsify:korsify@%s:%s/korsify?sslmode=disable", host, port.Port())
	db, err := database.New(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}
