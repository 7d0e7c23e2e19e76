// Package meshlog is the engine-wide logging facade: a zap.SugaredLogger
// wrapped in the same thin, rate-limited idiom as the teacher's
// internal/debuglog, but backed by a real structured-logging library
// instead of a raw os.Stderr writer.
package meshlog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once    sync.Once
	base    *zap.SugaredLogger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func debugEnabled() bool {
	return os.Getenv("MESHNODE_DEBUG") == "1"
}

func logger() *zap.SugaredLogger {
	once.Do(func() {
		level := zapcore.InfoLevel
		if debugEnabled() {
			level = zapcore.DebugLevel
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l.Sugar()
	})
	return base
}

func Infof(format string, args ...any)  { logger().Infof(format, args...) }
func Warnf(format string, args ...any)  { logger().Warnf(format, args...) }
func Errorf(format string, args ...any) { logger().Errorf(format, args...) }

func Debugf(format string, args ...any) {
	if !debugEnabled() {
		return
	}
	logger().Debugf(format, args...)
}

// RateLimitedf logs at most once per interval for a given key, so a
// connection that fails repeatedly doesn't flood the log.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Warnf(format, args...)
}

// Sync flushes any buffered log entries; callers invoke it on shutdown.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
