package middleware

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggingStage struct {
	logger *zap.Logger
	level  zapcore.Level
}

// Logging logs the size of every frame passing through it at the given level.
// It does not modify data.
func Logging(logger *zap.Logger, level zapcore.Level) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &loggingStage{logger: logger, level: level}
}

func (l *loggingStage) Send(ctx context.Context, state *State, data []byte, next Next) error {
	l.log("send", state, data)
	return next(ctx, data)
}

func (l *loggingStage) Receive(ctx context.Context, state *State, data []byte, next Next) error {
	l.log("receive", state, data)
	return next(ctx, data)
}

func (l *loggingStage) log(direction string, state *State, data []byte) {
	if ce := l.logger.Check(l.level, "Frame"); ce != nil {
		ce.Write(
			zap.String("direction", direction),
			zap.String("connection_id", state.ConnectionID()),
			zap.Int("data_length", len(data)),
		)
	}
}
