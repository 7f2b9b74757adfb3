// Package logger is the structured logging facade used across the
// facilitator. Fields are passed as maps so callers never import zap.
package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// With returns a Logger that adds base to every entry. Entry fields win on
// key collisions.
func With(l Logger, base map[string]any) Logger {
	if l == nil {
		l = NoopLogger{}
	}
	return &scoped{next: l, base: base}
}

type scoped struct {
	next Logger
	base map[string]any
}

func (s *scoped) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(s.base)+len(fields))
	for k, v := range s.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (s *scoped) Debug(msg string, f map[string]any) { s.next.Debug(msg, s.merge(f)) }
func (s *scoped) Info(msg string, f map[string]any)  { s.next.Info(msg, s.merge(f)) }
func (s *scoped) Warn(msg string, f map[string]any)  { s.next.Warn(msg, s.merge(f)) }
func (s *scoped) Error(msg string, f map[string]any) { s.next.Error(msg, s.merge(f)) }
