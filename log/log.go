package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is shared by packages that were not given their own logger.
// It discards everything until InitLogger is called.
var Logger = zap.NewNop().Sugar()

// InitLogger sets up a console logger in a human readable format.
func InitLogger(debug bool) error {
	logger, err := NewLogger(debug)
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	conf := zap.NewProductionConfig()
	conf.Encoding = "console"
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	conf.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	conf.DisableStacktrace = true
	if debug {
		conf.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := conf.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
