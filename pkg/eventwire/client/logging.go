package client

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// LoggingListener logs every envelope it receives at level and then calls
// wrapped, if any. A nil wrapped listener makes it a standalone logger.
func LoggingListener(wrapped Listener, logger *zap.Logger, level zapcore.Level) Listener {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(env protocol.Envelope) error {
		if ce := logger.Check(level, "Message received"); ce != nil {
			fields := []zap.Field{
				zap.String("type", string(env.Type)),
				zap.Bool("hasWrapped", wrapped != nil),
			}
			if env.Topic != "" {
				fields = append(fields, zap.String("topic", env.Topic))
			}
			if env.ID != "" {
				fields = append(fields, zap.String("id", env.ID))
			}
			if len(env.Payload) > 0 {
				fields = append(fields, zap.ByteString("payload", env.Payload))
			}
			ce.Write(fields...)
		}

		if wrapped != nil {
			return wrapped(env)
		}
		return nil
	}
}
