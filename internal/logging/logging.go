package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Params struct {
	Production bool

	// Optional. When set, JSON logs are also written to this file and rotated.
	LogFile string

	MaxSizeMegabytes int
	MaxBackups       int
}

// CreateLogger builds the process logger: zap's production config for
// production, development config otherwise. The returned func flushes and
// closes the file sink.
func CreateLogger(params Params) (*zap.Logger, func(), error) {
	var base *zap.Logger
	var err error
	if params.Production {
		base, err = zap.NewProduction()
	} else {
		base, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, err
	}

	if params.LogFile == "" {
		return base, func() { base.Sync() }, nil
	}

	maxSize := params.MaxSizeMegabytes
	if maxSize <= 0 {
		maxSize = 10
	}

	rotator := &lumberjack.Logger{
		Filename:   params.LogFile,
		MaxSize:    maxSize,
		MaxBackups: params.MaxBackups,
		Compress:   false,
	}

	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	if params.Production {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		level,
	)

	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))

	return logger, func() {
		logger.Sync()
		rotator.Close()
	}, nil
}
