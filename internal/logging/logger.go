package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development environments get the console
// encoder; everything else logs JSON at info.
func New(env string) (*zap.Logger, error) {
	if env == "dev" || env == "test" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Must is New for binaries that cannot run without a logger.
func Must(env string) *zap.Logger {
	logger, err := New(env)
	if err != nil {
		panic(err)
	}
	return logger
}
