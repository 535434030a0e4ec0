package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"
)

/*
Package log writes structured records through the default slog handler,
attaching key/value tags carried on the context. Components tag a context
once with the keyspace and table they act on and log through it; the tags
follow the context into flush tasks, replay, and request handling.

The f variants format a message; the w variants take a fixed message and
key/value pairs. Call-site key/values precede context tags in the record.
*/

////////////////////////////////////////////////////////////////////////////////

type contextKey int

const (
	logTagKey contextKey = iota
)

const (
	keyspaceTag = "keyspace"
	tableTag    = "table"
)

// AddTags returns a context carrying the given key/value pairs in addition
// to those already on ctx. A key that is already present is replaced.
func AddTags(ctx context.Context, kvs ...any) context.Context {
	if len(kvs)%2 != 0 {
		panic("log: AddTags requires an even number of arguments")
	}
	tags := slices.Clone(fromContext(ctx))
	for i := 0; i < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			panic(fmt.Sprintf("log: tag key %v is not a string", kvs[i]))
		}
		if j := indexOf(tags, key); j >= 0 {
			tags[j+1] = kvs[i+1]
			continue
		}
		tags = append(tags, key, kvs[i+1])
	}
	return context.WithValue(ctx, logTagKey, tags)
}

// WithKeyspace tags ctx with a keyspace name.
func WithKeyspace(ctx context.Context, keyspace string) context.Context {
	return AddTags(ctx, keyspaceTag, keyspace)
}

// WithTable tags ctx with a keyspace and table name. An empty keyspace
// leaves any existing keyspace tag in place.
func WithTable(ctx context.Context, keyspace, table string) context.Context {
	if keyspace == "" {
		return AddTags(ctx, tableTag, table)
	}
	return AddTags(ctx, keyspaceTag, keyspace, tableTag, table)
}

// Tags returns the key/value pairs carried on ctx.
func Tags(ctx context.Context) []any {
	return slices.Clone(fromContext(ctx))
}

func indexOf(tags []any, key string) int {
	for i := 0; i < len(tags); i += 2 {
		if tags[i] == key {
			return i
		}
	}
	return -1
}

func fromContext(ctx context.Context) []any {
	tags, _ := ctx.Value(logTagKey).([]any)
	return tags
}

// emit builds and handles a record whose source is the caller of the
// exported logging function.
func emit(ctx context.Context, level slog.Level, msg string, keyvals []any) {
	handler := slog.Default().Handler()
	if !handler.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(keyvals...)
	r.Add(fromContext(ctx)...)
	if err := handler.Handle(ctx, r); err != nil {
		slog.ErrorContext(ctx, "error handling log record", "error", err)
	}
}

func Infof(ctx context.Context, format string, args ...any) {
	emit(ctx, slog.LevelInfo, fmt.Sprintf(format, args...), nil)
}

func Errorf(ctx context.Context, format string, args ...any) {
	emit(ctx, slog.LevelError, fmt.Sprintf(format, args...), nil)
}

func Debugf(ctx context.Context, format string, args ...any) {
	emit(ctx, slog.LevelDebug, fmt.Sprintf(format, args...), nil)
}

func Warnf(ctx context.Context, format string, args ...any) {
	emit(ctx, slog.LevelWarn, fmt.Sprintf(format, args...), nil)
}

func Infow(ctx context.Context, msg string, keyvals ...any) {
	emit(ctx, slog.LevelInfo, msg, keyvals)
}

func Errorw(ctx context.Context, msg string, keyvals ...any) {
	emit(ctx, slog.LevelError, msg, keyvals)
}

func Debugw(ctx context.Context, msg string, keyvals ...any) {
	emit(ctx, slog.LevelDebug, msg, keyvals)
}

func Warnw(ctx context.Context, msg string, keyvals ...any) {
	emit(ctx, slog.LevelWarn, msg, keyvals)
}
