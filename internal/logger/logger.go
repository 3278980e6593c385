package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is a thin wrapper over zap's sugared logger that scrubs sensitive
// key/value pairs before they reach the sink.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
	redact        bool
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zl.Sugar(), redact: redactionEnabled()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// NewObserved returns a logger whose entries can be inspected by tests.
func NewObserved() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{SugaredLogger: zap.New(core).Sugar(), redact: true}, logs
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.SugaredLogger.Debugw(msg, l.sanitize(kv)...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.SugaredLogger.Infow(msg, l.sanitize(kv)...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.SugaredLogger.Warnw(msg, l.sanitize(kv)...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.SugaredLogger.Errorw(msg, l.sanitize(kv)...)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.SugaredLogger.Fatalw(msg, l.sanitize(kv)...)
}

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(l.sanitize(kv)...), redact: l.redact}
}

func redactionEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("LOG_REDACTION_ENABLED")))
	return v == "" || v == "1" || v == "true"
}

func (l *Logger) sanitize(kv []interface{}) []interface{} {
	if !l.redact || len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := fmt.Sprint(kv[i])
		out = append(out, key, sanitizeValue(strings.ToLower(key), kv[i+1]))
	}
	return out
}

func sanitizeValue(key string, val interface{}) interface{} {
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "authorization"),
		strings.Contains(key, "password"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "api_key"),
		strings.Contains(key, "email"):
		return "[REDACTED]"
	case key == "creator" || strings.HasSuffix(key, "user_id"):
		return hashValue(val)
	}
	return val
}

func hashValue(val interface{}) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(val)))
	return hex.EncodeToString(sum[:8])
}
