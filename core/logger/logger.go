package logger

import (
	"io"
	"log/slog"
	"os"
)

type options struct {
	level  slog.Level
	json   bool
	output io.Writer
	attrs  []slog.Attr
}

// Option configures a logger created by New.
type Option func(*options)

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithJSONFormatter switches output to JSON.
func WithJSONFormatter() Option {
	return func(o *options) {
		o.json = true
	}
}

// WithTextFormatter switches output to logfmt-style text.
func WithTextFormatter() Option {
	return func(o *options) {
		o.json = false
	}
}

// WithOutput redirects log output. Useful for capturing logs in tests.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr attaches attributes to every record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) {
		o.attrs = append(o.attrs, attrs...)
	}
}

// WithDevelopment is the development preset: text format, debug level.
func WithDevelopment(app string) Option {
	return func(o *options) {
		o.json = false
		o.level = slog.LevelDebug
		o.attrs = append(o.attrs, slog.String("app", app))
	}
}

// WithProduction is the production preset: JSON format, info level.
func WithProduction(app string) Option {
	return func(o *options) {
		o.json = true
		o.level = slog.LevelInfo
		o.attrs = append(o.attrs, slog.String("app", app))
	}
}

// New creates a configured slog.Logger. Without options it logs text at info
// level to stdout.
func New(opts ...Option) *slog.Logger {
	o := options{
		level:  slog.LevelInfo,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}
	var handler slog.Handler
	if o.json {
		handler = slog.NewJSONHandler(o.output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(o.output, handlerOpts)
	}
	if len(o.attrs) > 0 {
		handler = handler.WithAttrs(o.attrs)
	}
	return slog.New(handler)
}

// SetAsDefault installs log as the process-wide slog default.
func SetAsDefault(log *slog.Logger) {
	slog.SetDefault(log)
}
