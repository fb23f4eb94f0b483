package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/svcwrap/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start ClickHouse container")
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Errorf("terminate ClickHouse container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(Options{Addr: addr, Table: "svc_events"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	started := time.Now().Add(-time.Minute).UTC()
	start := history.Event{
		Type:       history.EventStart,
		OccurredAt: started,
		Record:     history.Record{Service: "demo", PID: 12345, StartedAt: started, State: "running"},
	}
	require.NoError(t, sink.Send(ctx, start))

	stoppedAt := time.Now().UTC()
	code := 3
	crash := start
	crash.Type = history.EventCrash
	crash.OccurredAt = stoppedAt
	crash.Record.StoppedAt = &stoppedAt
	crash.Record.ExitCode = &code
	crash.Record.State = "crashed"
	require.NoError(t, sink.Send(ctx, crash))

	n, err := sink.Count(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", Table: "t"})
	require.Error(t, err)
}
