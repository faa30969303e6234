package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/mohitkumar/nurture/logger"
	"go.uber.org/zap"
)

// zapAdapter routes watermill's logs through the process logger.
type zapAdapter struct {
	log *zap.Logger
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &zapAdapter{log: logger.Named("eventbus")}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a *zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (a *zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, toZap(fields)...)
}

func (a *zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{log: a.log.With(toZap(fields)...)}
}
