package app

import (
	"github.com/metalagman/anchor/internal/logging"
	"github.com/rs/zerolog"
	"go.uber.org/fx/fxevent"
)

// eventLogger routes fx lifecycle events to zerolog at debug level; failures
// are logged as errors.
type eventLogger struct {
	logger zerolog.Logger
}

func newEventLogger() fxevent.Logger {
	return &eventLogger{logger: logging.Component("fx")}
}

// LogEvent implements fxevent.Logger.
func (l *eventLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.Provided:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Msg("provide failed")
			return
		}
		for _, t := range e.OutputTypeNames {
			l.logger.Debug().Str("constructor", e.ConstructorName).Str("type", t).Msg("provided")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("function", e.FunctionName).Msg("invoke failed")
		}
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("start hook failed")
		}
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("stop hook failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Msg("start failed")
			return
		}
		l.logger.Debug().Msg("started")
	case *fxevent.Stopped:
		if e.Err != nil {
			l.logger.Error().Err(e.Err).Msg("stop failed")
		}
	}
}
