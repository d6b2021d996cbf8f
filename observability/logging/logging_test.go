package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions(Options{Service: "poold", Env: "test", Output: &buf})
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("pool ready", "participants", 3)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" || line["service"] != "poold" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupWithOptionsFiltersLevelAndWritesFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "poold.log")
	logger := SetupWithOptions(Options{Service: "poold", Level: "warn", File: path, Output: &buf})
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("dropped")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("file sink missing line: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestMaskFieldRedactsSecrets(t *testing.T) {
	if attr := MaskField("Authorization", "Bearer abc"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected redaction, got %s", attr.Value)
	}
	if attr := MaskField("hmac-secret", "s3cr3t"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected redaction, got %s", attr.Value)
	}
	if attr := MaskField("who", "stk1xyz"); attr.Value.String() != "stk1xyz" {
		t.Fatalf("participant address must not be masked, got %s", attr.Value)
	}
	if attr := MaskField("token", ""); attr.Value.String() != "" {
		t.Fatalf("empty values stay empty, got %s", attr.Value)
	}
}

func TestHandlerRedactsSensitiveAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions(Options{Service: "poold", Output: &buf})
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Warn("rejected", "token", "eyJhbGciOi.payload.sig", "path", "/v1/pool/stake")

	out := buf.String()
	if strings.Contains(out, "eyJhbGciOi") {
		t.Fatalf("token leaked into log: %s", out)
	}
	if !strings.Contains(out, RedactedValue) || !strings.Contains(out, "/v1/pool/stake") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestTokenFingerprint(t *testing.T) {
	a := TokenFingerprint("token-a")
	if len(a) != 16 || a != TokenFingerprint(" token-a ") {
		t.Fatalf("unexpected fingerprint %q", a)
	}
	if a == TokenFingerprint("token-b") {
		t.Fatalf("distinct tokens share a fingerprint")
	}
	if TokenFingerprint("") != "" {
		t.Fatalf("empty token must have no fingerprint")
	}
}
