package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/util/log"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	record := map[string]any{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &record))
	return record
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		assertion string
		ctx       context.Context
		expected  []any
	}{
		{
			"no tags",
			ctx,
			nil,
		},
		{
			"keyspace",
			log.WithKeyspace(ctx, "app"),
			[]any{"keyspace", "app"},
		},
		{
			"table replaces keyspace",
			log.WithTable(log.WithKeyspace(ctx, "app"), "other", "users"),
			[]any{"keyspace", "other", "table", "users"},
		},
		{
			"table keeps keyspace when empty",
			log.WithTable(log.WithKeyspace(ctx, "app"), "", "users"),
			[]any{"keyspace", "app", "table", "users"},
		},
		{
			"added tags append",
			log.AddTags(log.WithKeyspace(ctx, "app"), "request_id", "abc"),
			[]any{"keyspace", "app", "request_id", "abc"},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			require.Equal(t, c.expected, log.Tags(c.ctx))
		})
	}
}

func TestTagsDoNotLeakBetweenContexts(t *testing.T) {
	base := log.WithKeyspace(context.Background(), "app")
	a := log.WithTable(base, "", "users")
	b := log.WithTable(base, "", "events")
	require.Equal(t, []any{"keyspace", "app"}, log.Tags(base))
	require.Equal(t, "users", log.Tags(a)[3])
	require.Equal(t, "events", log.Tags(b)[3])
}

func TestRecords(t *testing.T) {
	buf := captureLogs(t)
	ctx := log.WithTable(context.Background(), "app", "users")

	log.Infow(ctx, "Flushed memtable", "partitions", 3)
	record := lastRecord(t, buf)
	require.Equal(t, "Flushed memtable", record["msg"])
	require.Equal(t, "INFO", record["level"])
	require.Equal(t, "app", record["keyspace"])
	require.Equal(t, "users", record["table"])
	require.EqualValues(t, 3, record["partitions"])

	log.Debugf(ctx, "switched %d memtables", 2)
	record = lastRecord(t, buf)
	require.Equal(t, "switched 2 memtables", record["msg"])
	require.Equal(t, "DEBUG", record["level"])

	slog.SetDefault(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	n := buf.Len()
	log.Infof(ctx, "dropped")
	require.Equal(t, n, buf.Len(), "records below the handler level are dropped")
	log.Errorw(ctx, "Failed to persist memtable", "error", "boom")
	require.Equal(t, "ERROR", lastRecord(t, buf)["level"])
}
