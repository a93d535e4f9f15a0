// Package logging provides structured logging for the go-blockif project
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrlich-b/go-blockif/internal/constants"
)

// Logger wraps zerolog.Logger with block-layer fields
type Logger struct {
	zlog  zerolog.Logger
	ident string
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel selects the minimum level written
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write on the caller's goroutine
	NoColor bool
}

// DefaultConfig logs text at info level to stderr
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps completion callbacks off a slow log sink. Lines are
// dropped once the buffer is full.
type asyncWriter struct {
	out    io.Writer
	lines  chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newAsyncWriter(w io.Writer, depth int) *asyncWriter {
	aw := &asyncWriter{
		out:   w,
		lines: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(aw.done)
		for line := range aw.lines {
			_, _ = aw.out.Write(line)
		}
	}()
	return aw
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// zerolog reuses p after Write returns
	line := append([]byte(nil), p...)
	select {
	case aw.lines <- line:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.lines)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a logger from config; nil uses DefaultConfig
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	out := config.Output
	if !config.Sync {
		out = newAsyncWriter(config.Output, constants.LogBufferSize)
	}
	if config.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor}
	}

	zlog := zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the process-wide logger, creating it on first use
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), ident: l.ident}
}

// WithIdent tags entries with a context identifier
func (l *Logger) WithIdent(ident string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("ident", ident).Logger(), ident: ident}
}

// WithQueue tags entries with a queue index
func (l *Logger) WithQueue(queueID int) *Logger {
	return l.with(l.zlog.With().Int("queue_id", queueID))
}

// WithRequest tags entries with a queue index and operation
func (l *Logger) WithRequest(queueID int, op string) *Logger {
	return l.with(l.zlog.With().Int("queue_id", queueID).Str("op", op))
}

// WithError attaches err to every entry
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

// Ident returns the identifier set by WithIdent
func (l *Logger) Ident() string {
	return l.ident
}

func withFields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			event = event.Interface(key, args[i+1])
		}
	}
	return event
}

func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zlog.Error(), args).Msg(msg)
}

// Printf and Debugf satisfy the executor Logger interface
func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

// Request path

// Dispatched logs a request handed to the executor
func (l *Logger) Dispatched(offset, length int64, bounced bool) {
	l.zlog.Debug().Int64("offset", offset).Int64("length", length).Bool("bounced", bounced).
		Msg("request dispatched")
}

// Completed logs a request that finished without error
func (l *Logger) Completed(offset, transferred, resid int64, latency time.Duration) {
	l.zlog.Debug().Int64("offset", offset).Int64("transferred", transferred).Int64("resid", resid).
		Dur("latency", latency).Msg("request completed")
}

// Failed logs a request the host store failed
func (l *Logger) Failed(offset, length int64, err error) {
	l.zlog.Warn().Int64("offset", offset).Int64("length", length).Err(err).Msg("request failed")
}

// Info logs through the default logger
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}
