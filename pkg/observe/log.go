package observe

import (
	"go.uber.org/zap"

	"ormcore/pkg/ormerr"
)

// NewLogger builds the engine's default sugared logger. Debug selects the
// development encoder with debug-level output.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// LogSink adapts a zap logger to the configuration warning sink, so mapping
// warnings surface in the engine's log stream.
type LogSink struct {
	Log *zap.SugaredLogger
}

// Warn implements ormerr.WarningSink.
func (s LogSink) Warn(w ormerr.Warning) {
	s.Log.Warnw("mapping warning", "code", w.Code, "entity", w.Entity, "detail", w.Message)
}
