package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	File       string // Optional log file, rotated by size
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	peerID     string
	peerIDOnce sync.Once

	mu     sync.RWMutex
	logger = newLogger(zapcore.AddSync(os.Stderr), "text", zapcore.InfoLevel)
)

// Setup replaces the process logger according to opts.
func Setup(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	sink := zapcore.AddSync(os.Stderr)
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(rotator))
	}

	l := newLogger(sink, opts.Format, level)
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

func newLogger(sink zapcore.WriteSyncer, format string, level zapcore.Level) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// GetPeerID returns the unique peer ID for this instance
func GetPeerID() string {
	peerIDOnce.Do(func() {
		// Try PEER_ID first (allows fixed peer ID), then HOSTNAME, then generate a short ID
		peerID = os.Getenv("PEER_ID")
		if peerID == "" {
			peerID = os.Getenv("HOSTNAME")
		}
		if peerID == "" {
			peerID = uuid.NewString()[:8]
		}
	})
	return peerID
}

func prefix(msg string) string {
	return fmt.Sprintf("[peer=%s] %s", GetPeerID(), msg)
}

// Logf logs a formatted message with peer ID prefix at info level
func Logf(format string, v ...interface{}) {
	current().Info(prefix(fmt.Sprintf(format, v...)))
}

// Log logs a message with peer ID prefix at info level
func Log(v ...interface{}) {
	current().Info(prefix(fmt.Sprint(v...)))
}

// Debugf logs at debug level.
func Debugf(format string, v ...interface{}) {
	current().Debug(prefix(fmt.Sprintf(format, v...)))
}

// Warnf logs at warn level.
func Warnf(format string, v ...interface{}) {
	current().Warn(prefix(fmt.Sprintf(format, v...)))
}

// Errorf logs at error level.
func Errorf(format string, v ...interface{}) {
	current().Error(prefix(fmt.Sprintf(format, v...)))
}

// Fatalf logs a fatal error with peer ID prefix and exits
func Fatalf(format string, v ...interface{}) {
	current().Fatal(prefix(fmt.Sprintf(format, v...)))
}

// Flush writes any buffered log entries
func Flush() {
	_ = current().Sync()
}
