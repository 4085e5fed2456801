package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func validDefaults() Settings {
	s := Defaults()
	s.JWTSecret = "secret"
	return s
}

func TestDefaultsNeedOnlyASecret(t *testing.T) {
	require.Error(t, Defaults().Validate())
	require.NoError(t, validDefaults().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"relative path", func(s *Settings) { s.WSPath = "chat" }},
		{"zero heartbeat", func(s *Settings) { s.HeartbeatInterval = 0 }},
		{"zero send buffer", func(s *Settings) { s.SendBuffer = 0 }},
		{"unknown responder", func(s *Settings) { s.Responder = "oracle" }},
		{"openai without key", func(s *Settings) { s.Responder = ResponderOpenAI }},
		{"retell without key", func(s *Settings) { s.Telephony = TelephonyRetell }},
		{"redis without address", func(s *Settings) { s.RedisEnabled = true }},
		{"from number not e164", func(s *Settings) { s.TelephonyFromNumber = "555-0100" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validDefaults()
			tt.mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "rtllia.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
addr: ":9000"
heartbeat-interval: 10s
history-limit: 5
responder: openai
openai-api-key: from-file
allowed-origins:
  - https://app.example.com
`), 0o600))
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("RTLLIA_JWT_SECRET=from-dotenv\nRTLLIA_HISTORY_LIMIT=7\n"), 0o600))

	s, err := Load(Source{
		ConfigFile: cfg,
		DotEnv:     []string{dotenv, filepath.Join(dir, "missing.env")},
		Environ: []string{
			"RTLLIA_HISTORY_LIMIT=9",
			"OPENAI_API_KEY=from-env",
			"RTLLIA_TELEPHONY_ORG_NUMBERS=org-1=+15550000001;org-2=+15550000002",
		},
	})
	require.NoError(t, err)
	require.Equal(t, ":9000", s.Addr)
	require.Equal(t, 10*time.Second, s.HeartbeatInterval)
	require.Equal(t, 9, s.HistoryLimit)
	require.Equal(t, "from-dotenv", s.JWTSecret)
	require.Equal(t, "from-env", s.OpenAIAPIKey)
	require.Equal(t, []string{"https://app.example.com"}, s.AllowedOrigins)
	require.Equal(t, "/chat", s.WSPath)
	require.NoError(t, s.Validate())

	numbers, err := s.OrgNumbers()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"org-1": "+15550000001", "org-2": "+15550000002"}, numbers)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(Source{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), Environ: []string{}})
	require.Error(t, err)
}

func TestOrgNumbersRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"org-1", "=+15550000001", "org-1=5550000001"} {
		s := validDefaults()
		s.TelephonyOrgNumbers = []string{entry}
		_, err := s.OrgNumbers()
		require.Error(t, err, entry)
	}
}

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--addr", "127.0.0.1:7000",
		"--write-timeout", "3s",
		"--max-inflight-per-conn", "2",
		"--redis-enabled",
		"--system-prompt", "null: not yaml",
		"--telephony-from-number", "+15551230000",
		"--allowed-origins", "https://a.example,https://b.example",
		"--config", "ignored.yaml",
	}))

	s := validDefaults()
	s.HistoryLimit = 3
	require.NoError(t, ApplyFlags(fs, &s))
	require.Equal(t, "127.0.0.1:7000", s.Addr)
	require.Equal(t, 3*time.Second, s.WriteTimeout)
	require.Equal(t, int64(2), s.MaxInflightPerConn)
	require.True(t, s.RedisEnabled)
	require.Equal(t, "null: not yaml", s.SystemPrompt)
	require.Equal(t, "+15551230000", s.TelephonyFromNumber)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, s.AllowedOrigins)
	require.Equal(t, 3, s.HistoryLimit)
	require.Equal(t, "secret", s.JWTSecret)
}
