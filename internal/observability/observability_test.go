package observability

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxHandler_AddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&ctxHandler{slog.NewJSONHandler(&buf, nil)})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSender(ctx, "0xabc")
	ctx = WithConnectionID(ctx, "conn-9")

	logger.With(slog.String("component", "test")).InfoContext(ctx, "hello")

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"sender":"0xabc"`)
	assert.Contains(t, out, `"connection_id":"conn-9"`)
	assert.Contains(t, out, `"component":"test"`)
	assert.NotContains(t, out, "trace_id")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestInitLogger_WritesRotatingFile(t *testing.T) {
	prev := GlobalLogger
	defer func() {
		GlobalLogger = prev
		slog.SetDefault(prev)
	}()

	path := filepath.Join(t.TempDir(), "chatgate.log")
	logger := InitLogger(LogOptions{Level: "info", JSON: true, File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NotNil(t, logger)
	assert.Same(t, logger, GlobalLogger)

	logger.Info("persisted line")
	assert.FileExists(t, path)
}

func TestTrackStore_ObservesLatency(t *testing.T) {
	done := TrackStore("test-driver", "append")
	done()
	assert.GreaterOrEqual(t, testutil.CollectAndCount(StoreLatency), 1)
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "chatgate-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	span, ctx := NewSpan(context.Background(), "noop")
	defer span.End()
	span.SetError(assert.AnError)
	assert.NotNil(t, ctx)
}
