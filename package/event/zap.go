package event

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapObserver renders events as structured log lines.
type ZapObserver struct {
	log *zap.Logger
}

func NewZapObserver(log *zap.Logger) *ZapObserver {
	return &ZapObserver{log: log}
}

func (z *ZapObserver) Observe(e Event) {
	fields := []zap.Field{
		zap.String("component", e.Component),
		zap.Time("at", e.Time),
	}
	if e.SessionID != 0 {
		fields = append(fields, zap.Uint32("session", e.SessionID))
	}
	switch e.Kind {
	case FrameSent, FrameReceived, Retransmission, IntegrityFailure:
		fields = append(fields, zap.Uint32("seq", e.Seq))
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Value != 0 {
		fields = append(fields, zap.Float64("value", e.Value))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	z.log.Log(level(e), string(e.Kind), fields...)
}

func level(e Event) zapcore.Level {
	switch e.Kind {
	case IntegrityFailure, Collision, BurstDropped, FrameLost:
		return zapcore.WarnLevel
	case SessionClosed:
		if e.Err != nil {
			return zapcore.ErrorLevel
		}
		return zapcore.InfoLevel
	case FrameSent, FrameReceived, BurstDetected, Backoff:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
