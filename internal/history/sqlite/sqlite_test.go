package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/svcwrap/internal/history"
)

func sampleEvents(service string) []history.Event {
	started := time.Now().Add(-time.Minute).UTC()
	stopped := time.Now().UTC()
	code := 137
	return []history.Event{
		{
			Type:       history.EventStart,
			OccurredAt: started,
			Record:     history.Record{Service: service, PID: 12345, StartedAt: started, State: "running"},
		},
		{
			Type:       history.EventCrash,
			OccurredAt: stopped,
			Record: history.Record{Service: service, PID: 12345, StartedAt: started,
				StoppedAt: &stopped, ExitCode: &code, State: "crashed"},
		},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	for _, e := range sampleEvents("demo") {
		require.NoError(t, sink.Send(ctx, e))
	}
	require.NoError(t, sink.Close())

	// Reopen to confirm rows persisted.
	sink, err = New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for _, e := range sampleEvents("mem") {
		require.NoError(t, sink.Send(ctx, e))
	}
	n, err := sink.Count(ctx, "mem")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = sink.Count(ctx, "other")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sink.Send(ctx, sampleEvents("x")[0]))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
