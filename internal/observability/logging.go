package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/model"
)

type loggerKey struct{}

// Log field names shared by the transport, engine and session loggers.
const (
	FieldSubjectID     = "subject_id"
	FieldCorrelationID = "correlation_id"
	FieldTraceID       = "trace_id"
	FieldRoles         = "roles"
	FieldWorkflowID    = "workflow_id"
)

// NewLogger builds the process logger: JSON lines on stdout at the
// configured level, falling back to info when the level does not parse.
//
// Levels in claimflow:
//   - error: a backend store or event bus failed, or a handler panicked
//   - warn:  a caller was refused (4xx), or an idempotency record was not kept
//   - info:  one line per request, engine transitions, server lifecycle
//   - debug: redacted step data, session refreshes, replayed creates
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	return ec
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// caller's subject. Correlation and trace IDs and roles are added only when
// the request carried them.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields, zap.String(FieldSubjectID, rctx.SubjectID))
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String(FieldCorrelationID, rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String(FieldTraceID, rctx.TraceID))
	}
	if len(rctx.Roles) > 0 {
		fields = append(fields, zap.Strings(FieldRoles, rctx.Roles))
	}
	return logger.With(fields...)
}

// WorkflowLogger tags logger with the workflow a request addresses.
// An empty id leaves the logger unchanged.
func WorkflowLogger(logger *zap.Logger, id string) *zap.Logger {
	if id == "" {
		return logger
	}
	return logger.With(zap.String(FieldWorkflowID, id))
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"aadhaar":       true,
	"phone":         true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. Step data is only ever logged at debug level, and only
// through here.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactBody(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
