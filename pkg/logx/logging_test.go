package logx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "orderbot/internal/transport"
)

type chanSender struct{ ch chan string }

func (c chanSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.ch <- text
	return kit.MessageRef{}, nil
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))
	log.Debug("hidden")
	log.Info("assigned", OrderID(3), BotID(1), Class("VIP"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	for _, want := range []string{`"comp":"dispatch"`, `"order_id":3`, `"bot_id":1`, `"class":"VIP"`, `"message":"assigned"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger IsZero() = false")
	}
	zero.Error("dropped") // must not panic
}

// Not parallel: New sets zerolog globals.
func TestServiceTelegramSinkAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderbot.log")
	snd := chanSender{ch: make(chan string, 4)}
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{Enabled: true, ChatID: 42, RatePerSec: 100},
	}, snd)

	log.Info("hello")
	log.With(OrderID(7)).Warn("slow", BotID(2))

	select {
	case got := <-snd.ch:
		if !strings.HasPrefix(got, "[WARN] slow") || !strings.Contains(got, "- order_id=7") || !strings.Contains(got, "- bot_id=2") {
			t.Fatalf("telegram text = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telegram message within 2s")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case extra := <-snd.ch:
		t.Fatalf("unexpected telegram message %q", extra)
	default:
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"message":"hello"`) || !strings.Contains(string(b), `"order_id":7`) {
		t.Fatalf("log file = %s", b)
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"error","time":"x","message":"boom","b":2,"a":"1"}`))
	if want := "[ERROR] boom\n- a=1\n- b=2"; got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("not json")); got != "not json" {
		t.Fatalf("formatTelegramJSON(raw) = %q", got)
	}
}
