package observability

import (
	"github.com/rs/zerolog"

	"campaign-dispatch/internal/engine"
)

// LogError logs err with its error_type and counts it under that type.
func LogError(logger zerolog.Logger, err error, msg string) {
	kind := engine.Kind(err)
	RequestErrors.WithLabelValues(kind).Inc()
	ev := logger.Warn()
	if kind == "internal" || kind == "persistence_failure" {
		ev = logger.Error()
	}
	ev.Err(err).Str("error_type", kind).Msg(msg)
}
