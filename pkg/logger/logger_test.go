package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igsession/pkg/config"
)

func newJSON(t *testing.T, level string) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log, err := NewWithWriter(&config.LoggingConfig{Level: level, Format: "json"}, &buf)
	require.NoError(t, err)
	return log, &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{"info console", &config.LoggingConfig{Level: "info", Format: "console"}, false},
		{"debug json", &config.LoggingConfig{Level: "debug", Format: "json"}, false},
		{"invalid level", &config.LoggingConfig{Level: "invalid"}, true},
		{"file output", &config.LoggingConfig{Level: "info", Format: "json", File: filepath.Join(t.TempDir(), "logs", "igsession.log")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && log == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.input)
	}

	_, err := parseLogLevel("chatty")
	assert.Error(t, err)
}

func TestJSONOutputCarriesFields(t *testing.T) {
	log, buf := newJSON(t, "info")

	log.WithField("username", "alice").
		WithFields(map[string]interface{}{"attempt": 2}).
		Info("Session restored")

	entry := lastLine(t, buf)
	assert.Equal(t, "Session restored", entry["message"])
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "igsession", entry["app"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	log, buf := newJSON(t, "warn")

	log.Info("hidden")
	log.Debug("hidden too")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Equal(t, "shown", lastLine(t, buf)["message"])
}

func TestWithFieldDoesNotLeakToParent(t *testing.T) {
	log, buf := newJSON(t, "info")

	_ = log.WithField("proxy", "1.2.3.4:80")
	log.Info("parent")

	_, ok := lastLine(t, buf)["proxy"]
	assert.False(t, ok)
}

func TestWithError(t *testing.T) {
	log, buf := newJSON(t, "info")

	log.WithError(errors.New("dial failed")).Error("probe failed")
	assert.Equal(t, "dial failed", lastLine(t, buf)["error"])

	assert.Same(t, log, log.WithError(nil))
}

func TestWithContextAddsRequestID(t *testing.T) {
	log, buf := newJSON(t, "info")

	ctx := WithRequestID(context.Background(), "req-123")
	log.WithContext(ctx).Info("handled")

	assert.Equal(t, "req-123", lastLine(t, buf)["request_id"])
}

func TestControlCharactersAreSanitized(t *testing.T) {
	log, buf := newJSON(t, "info")

	log.InfoWithFields("login\nforged", map[string]interface{}{
		"username": "bob\r\n{\"level\":\"error\"}",
	})

	entry := lastLine(t, buf)
	assert.Equal(t, "login?forged", entry["message"])
	assert.NotContains(t, entry["username"], "\n")
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(buf.String()), "\n")+1)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "plain", Sanitize("plain"))
	assert.Equal(t, "a?b?c", Sanitize("a\tb\x00c"))
}

func TestMaskProxy(t *testing.T) {
	assert.Equal(t, "***.44:6969", MaskProxy("10.0.0.44:6969"))
	assert.Equal(t, "***:1080", MaskProxy("proxy.example.com:1080"))
	assert.Equal(t, "***.9", MaskProxy("1.2.3.9"))
	assert.Equal(t, "", MaskProxy(""))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "abcd...wxyz", MaskSecret("abcdefghijklmnopqrstuvwxyz"))
}

func TestTestLoggerCapturesChildren(t *testing.T) {
	log := NewTestLogger()

	log.WithField("username", "carol").WithError(errors.New("nope")).Warn("relogin failed")
	log.Info("done")

	msgs := log.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "WARN", msgs[0].Level)
	assert.Equal(t, "carol", msgs[0].Fields["username"])
	assert.Equal(t, "nope", msgs[0].Fields["error"])
	assert.True(t, log.HasMessage("relogin"))
	assert.False(t, log.HasError())

	log.Clear()
	assert.Empty(t, log.GetMessages())
}
