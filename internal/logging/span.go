package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span times one handled message. Every span of a connection shares the
// connection's trace id so a session's traffic can be followed in the logs.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
	ended  bool
}

// StartSpan derives a child span of ctx. The returned context carries a logger
// tagged with the span and trace ids.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := FromContext(ctx)

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	spanID := uuid.NewString()
	attrs := []any{slog.String("span_id", spanID), slog.String("span_name", name)}
	if parent := SpanIDFromContext(ctx); parent != "" {
		attrs = append(attrs, slog.String("parent_span_id", parent))
	}
	logger = logger.With(attrs...)

	ctx = WithSpanID(WithLogger(ctx, logger), spanID)
	return ctx, &Span{name: name, logger: logger, start: time.Now()}
}

// End closes the span and returns how long it ran. Only the first call logs.
func (s *Span) End() time.Duration {
	if s == nil {
		return 0
	}
	elapsed := time.Since(s.start)
	if !s.ended {
		s.ended = true
		s.logger.Debug("span completed", slog.Duration("duration", elapsed))
	}
	return elapsed
}
