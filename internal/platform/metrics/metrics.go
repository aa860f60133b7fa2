package metrics

import (
	"log/slog"
)

// Sink receives counter and gauge emissions keyed by job name plus the extra
// dimensions each job declares at registration.
type Sink interface {
	Count(job, name string, value int64, dims map[string]string)
	Gauge(job, name string, value float64, dims map[string]string)
}

// LogSink emits metrics as structured log lines for the downstream collector
// to scrape.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Count(job, name string, value int64, dims map[string]string) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Info("metric", append([]any{"type", "count", "job", job, "name", name, "value", value}, dimAttrs(dims)...)...)
}

func (s *LogSink) Gauge(job, name string, value float64, dims map[string]string) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Info("metric", append([]any{"type", "gauge", "job", job, "name", name, "value", value}, dimAttrs(dims)...)...)
}

func dimAttrs(dims map[string]string) []any {
	if len(dims) == 0 {
		return nil
	}
	attrs := make([]any, 0, 1)
	group := make([]any, 0, len(dims)*2)
	for k, v := range dims {
		group = append(group, slog.String(k, v))
	}
	attrs = append(attrs, slog.Group("dims", group...))
	return attrs
}

// Noop discards all emissions. Useful in tests.
type Noop struct{}

func (Noop) Count(string, string, int64, map[string]string)   {}
func (Noop) Gauge(string, string, float64, map[string]string) {}
