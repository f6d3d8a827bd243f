package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/logger"
)

func TestMetricsRecordsEngineEvents(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("enrollment", "complete")
	m.RecordRequest("enrollment", "complete")
	m.RecordServiceLatency("enrollment", 20*time.Millisecond, false)
	m.RecordPublish("publish", true)
	m.RecordCryptoOperation("wrap", time.Millisecond, errors.New("boom"))
	m.RecordAuditDropped()
	m.RecordAuthz("certServer.kra.request", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("enrollment", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServiceFailures.WithLabelValues("enrollment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Publishes.WithLabelValues("publish", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CryptoErrors.WithLabelValues("wrap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisions.WithLabelValues("certServer.kra.request", "failure")))
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordAuditDropped()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AuditDropped))
}

func TestZapLoggerRedactsAndTagsComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFrom(zap.New(core)).WithComponent("RequestQueue")

	ctx := context.WithValue(context.Background(), constants.ContextKeyRequestID, "42")
	log.Info(ctx, "archived", logger.String("session_key", "c2VjcmV0"), logger.Int("serial", 7))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "RequestQueue", fields["component"])
	assert.Equal(t, "42", fields["request_id"])
	assert.Equal(t, "***REDACTED***", fields["session_key"])
	assert.EqualValues(t, 7, fields["serial"])
}

func TestZapLoggerErrorCarriesError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFrom(zap.New(core))

	log.Error(context.Background(), "publish failed", errors.New("directory down"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "directory down", logs.All()[0].ContextMap()["error"])
}

func TestNewZapLoggerFallsBackToInfo(t *testing.T) {
	log, err := NewZapLogger(&config.LogConfig{Level: "nonsense", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestTracingDisabledUsesGlobalTracer(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), &config.TracingConfig{Enabled: false}, logger.NewNoopLogger())
	require.NoError(t, err)

	called := false
	err = tm.TraceOperation(context.Background(), "noop", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracingManager(context.Background(), &config.TracingConfig{Enabled: true, Exporter: "zipkin"}, logger.NewNoopLogger())
	assert.Error(t, err)
}
