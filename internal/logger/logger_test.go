package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriter_EmptyPath(t *testing.T) {
	if w := (FileConfig{}).Writer(); w != nil {
		t.Fatalf("expected nil writer when no path set")
	}
}

func TestWriter_Defaults(t *testing.T) {
	w := FileConfig{Path: filepath.Join(t.TempDir(), "x.log")}.Writer()
	defer closeIf(w)
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestWriter_Overrides(t *testing.T) {
	w := FileConfig{Path: filepath.Join(t.TempDir(), "x.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer()
	defer closeIf(w)
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestWriter_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child.log")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	w := FileConfig{Path: path}.Writer()
	_, _ = w.Write([]byte("second\n"))
	closeIf(w)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "first\nsecond\n" {
		t.Fatalf("expected appended content, got %q", string(b))
	}
}

func TestNew_LevelAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer := New(Config{Level: "warn", File: FileConfig{Path: path}}, &console)

	log.Info("hidden")
	log.Warn("visible", "k", "v")
	_ = closer.Close()

	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("info record should be filtered at warn level: %q", console.String())
	}
	if !strings.Contains(console.String(), "visible") || !strings.Contains(console.String(), "k=v") {
		t.Fatalf("console missing warn record: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "visible") {
		t.Fatalf("file missing warn record: %q", string(b))
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(Config{Format: "json"}, &buf)
	defer closeIf(closer)
	log.Info("hello", "port", 5000)
	if !strings.Contains(buf.String(), `"msg":"hello"`) || !strings.Contains(buf.String(), `"port":5000`) {
		t.Fatalf("unexpected json output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestColorTextHandler_PrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, true))
	log.Error("boom")
	if !strings.Contains(buf.String(), "\033[31mERROR\033[0m") {
		t.Fatalf("expected red ERROR prefix, got %q", buf.String())
	}
}
