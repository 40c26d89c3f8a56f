package logger

import "log/slog"

func newStdHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.level(),
		AddSource: cfg.AddSource,
	}

	// dev читают глазами, stage/prod собирает агрегатор
	if cfg.Env == EnvDev {
		return slog.NewTextHandler(cfg.output(), opts)
	}
	return slog.NewJSONHandler(cfg.output(), opts)
}
