// Package config resolves gateway settings from defaults, an optional YAML
// file, the environment and command line flags, in that order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ResponderSimulated = "simulated"
	ResponderOpenAI    = "openai"

	TelephonySimulated = "simulated"
	TelephonyRetell    = "retell"
)

type Settings struct {
	Addr      string        `yaml:"addr" env:"RTLLIA_ADDR" validate:"required"`
	WSPath    string        `yaml:"ws-path" env:"RTLLIA_WS_PATH" validate:"required,startswith=/"`
	JWTSecret string        `yaml:"jwt-secret" env:"RTLLIA_JWT_SECRET,JWT_SECRET" validate:"required"`
	JWTLeeway time.Duration `yaml:"jwt-leeway" env:"RTLLIA_JWT_LEEWAY" validate:"gte=0"`
	// DB is the SQLite file path. Empty keeps sessions in memory.
	DB string `yaml:"db" env:"RTLLIA_DB"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat-interval" env:"RTLLIA_HEARTBEAT_INTERVAL" validate:"gt=0"`
	WriteTimeout       time.Duration `yaml:"write-timeout" env:"RTLLIA_WRITE_TIMEOUT" validate:"gt=0"`
	SendBuffer         int           `yaml:"send-buffer" env:"RTLLIA_SEND_BUFFER" validate:"min=1"`
	MaxInflightPerConn int64         `yaml:"max-inflight-per-conn" env:"RTLLIA_MAX_INFLIGHT_PER_CONN" validate:"min=1"`
	ReadLimit          int64         `yaml:"read-limit" env:"RTLLIA_READ_LIMIT" validate:"min=1"`

	AuthTimeout      time.Duration `yaml:"auth-timeout" env:"RTLLIA_AUTH_TIMEOUT" validate:"gt=0"`
	ResponderTimeout time.Duration `yaml:"responder-timeout" env:"RTLLIA_RESPONDER_TIMEOUT" validate:"gt=0"`
	TelephonyTimeout time.Duration `yaml:"telephony-timeout" env:"RTLLIA_TELEPHONY_TIMEOUT" validate:"gt=0"`
	StoreTimeout     time.Duration `yaml:"store-timeout" env:"RTLLIA_STORE_TIMEOUT" validate:"gt=0"`
	HistoryLimit     int           `yaml:"history-limit" env:"RTLLIA_HISTORY_LIMIT" validate:"min=1"`

	Responder     string `yaml:"responder" env:"RTLLIA_RESPONDER" validate:"oneof=simulated openai"`
	OpenAIBaseURL string `yaml:"openai-base-url" env:"RTLLIA_OPENAI_BASE_URL" validate:"omitempty,url"`
	OpenAIAPIKey  string `yaml:"openai-api-key" env:"RTLLIA_OPENAI_API_KEY,OPENAI_API_KEY" validate:"required_if=Responder openai"`
	OpenAIModel   string `yaml:"openai-model" env:"RTLLIA_OPENAI_MODEL"`
	SystemPrompt  string `yaml:"system-prompt" env:"RTLLIA_SYSTEM_PROMPT"`

	Telephony           string   `yaml:"telephony" env:"RTLLIA_TELEPHONY" validate:"oneof=simulated retell"`
	RetellBaseURL       string   `yaml:"retell-base-url" env:"RTLLIA_RETELL_BASE_URL" validate:"omitempty,url"`
	RetellAPIKey        string   `yaml:"retell-api-key" env:"RTLLIA_RETELL_API_KEY,RETELL_API_KEY" validate:"required_if=Telephony retell"`
	TelephonyFromNumber string   `yaml:"telephony-from-number" env:"RTLLIA_TELEPHONY_FROM_NUMBER" validate:"required,e164"`
	TelephonyOrgNumbers []string `yaml:"telephony-org-numbers" env:"RTLLIA_TELEPHONY_ORG_NUMBERS,separator=;"`

	RedisEnabled bool   `yaml:"redis-enabled" env:"RTLLIA_REDIS_ENABLED"`
	RedisAddr    string `yaml:"redis-addr" env:"RTLLIA_REDIS_ADDR" validate:"required_if=RedisEnabled true"`
	RedisStream  string `yaml:"redis-stream" env:"RTLLIA_REDIS_STREAM"`

	AllowedOrigins  []string      `yaml:"allowed-origins" env:"RTLLIA_ALLOWED_ORIGINS,separator=;"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout" env:"RTLLIA_SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

func Defaults() Settings {
	return Settings{
		Addr:                ":8080",
		WSPath:              "/chat",
		JWTLeeway:           30 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		WriteTimeout:        10 * time.Second,
		SendBuffer:          64,
		MaxInflightPerConn:  4,
		ReadLimit:           64 << 10,
		AuthTimeout:         5 * time.Second,
		ResponderTimeout:    30 * time.Second,
		TelephonyTimeout:    15 * time.Second,
		StoreTimeout:        5 * time.Second,
		HistoryLimit:        20,
		Responder:           ResponderSimulated,
		OpenAIBaseURL:       "https://api.openai.com/v1",
		OpenAIModel:         "gpt-4",
		Telephony:           TelephonySimulated,
		RetellBaseURL:       "https://api.retell.cc/api",
		TelephonyFromNumber: "+15555555555",
		RedisStream:         "rtllia.gateway.events",
		ShutdownTimeout:     30 * time.Second,
	}
}

var validate = validator.New()

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(err, "invalid settings")
	}
	return nil
}

// OrgNumbers parses TelephonyOrgNumbers entries of the form org=+15551234567.
func (s Settings) OrgNumbers() (map[string]string, error) {
	out := make(map[string]string, len(s.TelephonyOrgNumbers))
	for _, entry := range s.TelephonyOrgNumbers {
		org, number, ok := strings.Cut(entry, "=")
		org, number = strings.TrimSpace(org), strings.TrimSpace(number)
		if !ok || org == "" || number == "" {
			return nil, errors.Errorf("invalid org number %q, want org=number", entry)
		}
		if err := validate.Var(number, "e164"); err != nil {
			return nil, errors.Errorf("invalid phone number %q for org %s", number, org)
		}
		out[org] = number
	}
	return out, nil
}

// Source describes where Load reads from.
type Source struct {
	// ConfigFile is an optional YAML file.
	ConfigFile string
	// DotEnv files fill in variables missing from Environ. Missing files
	// are skipped.
	DotEnv []string
	// Environ defaults to os.Environ.
	Environ []string
}

// Load applies defaults, then the YAML file, then the environment. Flags are
// layered on top by the caller through ApplyFlags.
func Load(src Source) (Settings, error) {
	s := Defaults()

	if src.ConfigFile != "" {
		data, err := os.ReadFile(src.ConfigFile)
		if err != nil {
			return s, errors.Wrapf(err, "read config %s", src.ConfigFile)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, errors.Wrapf(err, "parse config %s", src.ConfigFile)
		}
	}

	environ := src.Environ
	if environ == nil {
		environ = os.Environ()
	}
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return s, errors.Wrap(err, "parse environment")
	}
	for _, f := range src.DotEnv {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		vars, err := godotenv.Read(f)
		if err != nil {
			return s, errors.Wrapf(err, "load %s", f)
		}
		// real environment variables win over the file
		for k, v := range vars {
			if _, ok := es[k]; !ok {
				es[k] = v
			}
		}
	}
	if err := env.Unmarshal(es, &s); err != nil {
		return s, errors.Wrap(err, "decode environment")
	}
	return s, nil
}
