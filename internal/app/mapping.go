package app

import (
	"strconv"
	"strings"
	"time"

	httpapi "orderbot/internal/api/http"
	"orderbot/internal/config"
	"orderbot/internal/dispatch"
	"orderbot/internal/notifier"
	"orderbot/internal/server"
	"orderbot/internal/shift"
	"orderbot/internal/storage"
	"orderbot/internal/tracing"
	telegram "orderbot/internal/transport/telegram/adapter"
	logx "orderbot/pkg/logx"
)

// The mappers below turn validated config sections into component configs.
// Durations were checked by config.Validate, so parse errors only surface
// for configs built by hand (tests).

func mapLogging(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
		lc.Telegram.ChatID = id
	}
	if lc.Telegram.ChatID == 0 {
		lc.Telegram.Enabled = false
	}
	return lc
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d, err := config.ParseDurationOrDefault("dispatch.process_time", cfg.Dispatch.ProcessTime, dispatch.DefaultProcessTime)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{ProcessTime: d}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	driver := config.StorageDriver(cfg.Storage)
	if driver == "none" {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapServer(cfg *config.Config) (server.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = server.DefaultAddr
	}
	mpath := strings.TrimSpace(cfg.Metrics.Path)
	if mpath == "" {
		mpath = server.DefaultMetricsPath
	}
	return server.Config{
		Enabled:      h.Enabled,
		Addr:         addr,
		Token:        strings.TrimSpace(h.Token),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		Metrics:      cfg.Metrics.Enabled,
		MetricsPath:  mpath,
		Pprof:        h.Pprof,
	}, nil
}

func mapHTTPAPI(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Token:            cfg.HTTP.Token,
		IntakeRatePerSec: cfg.HTTP.IntakeRatePerSec,
		IntakeBurst:      cfg.HTTP.IntakeBurst,
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled && cfg.Telegram.Enabled,
		RatePerSec: cfg.Notifier.RatePerSec,
		QueueSize:  cfg.Notifier.QueueSize,
	}
}

func mapShifts(cfg *config.Config) shift.Config {
	sc := shift.Config{Timezone: cfg.Shifts.Timezone}
	for _, e := range cfg.Shifts.Entries {
		sc.Entries = append(sc.Entries, shift.Entry{Name: e.Name, Schedule: e.Schedule, Bots: e.Bots})
	}
	return sc
}

func mapTracing(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Pretty:      cfg.Tracing.Pretty,
	}
}
