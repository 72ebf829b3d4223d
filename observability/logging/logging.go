package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the process-wide structured logger and installs it as the slog
// default. Lines go to stdout as JSON with the field names the log pipeline
// expects (timestamp, severity, message), tagged with the service name and,
// when set, the environment.
func Setup(service, env string) *slog.Logger {
	args := []any{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		args = append(args, slog.String("env", env))
	}

	logger := slog.New(newHandler(os.Stdout)).With(args...)
	slog.SetDefault(logger)
	return logger
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})
}
