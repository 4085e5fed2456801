package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FlagConfig names the flag that points at the YAML file.
const FlagConfig = "config"

// RegisterFlags adds one flag per settings key. Flag names match the YAML keys.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String(FlagConfig, "", "YAML config file")
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("ws-path", d.WSPath, "WebSocket endpoint path")
	fs.String("jwt-secret", "", "HMAC secret used to verify client tokens")
	fs.Duration("jwt-leeway", d.JWTLeeway, "clock skew tolerated on token expiry")
	fs.String("db", d.DB, "SQLite database file, empty for in-memory")
	fs.Duration("heartbeat-interval", d.HeartbeatInterval, "liveness sweep interval")
	fs.Duration("write-timeout", d.WriteTimeout, "per-frame write deadline")
	fs.Int("send-buffer", d.SendBuffer, "outbound frames buffered per connection")
	fs.Int64("max-inflight-per-conn", d.MaxInflightPerConn, "concurrent handlers per connection")
	fs.Int64("read-limit", d.ReadLimit, "maximum inbound frame size in bytes")
	fs.Duration("auth-timeout", d.AuthTimeout, "session lookup timeout during authentication")
	fs.Duration("responder-timeout", d.ResponderTimeout, "reply generation timeout")
	fs.Duration("telephony-timeout", d.TelephonyTimeout, "outbound call creation timeout")
	fs.Duration("store-timeout", d.StoreTimeout, "per-call storage timeout")
	fs.Int("history-limit", d.HistoryLimit, "messages of history passed to the responder")
	fs.String("responder", d.Responder, "reply generator: simulated or openai")
	fs.String("openai-base-url", d.OpenAIBaseURL, "OpenAI compatible API base URL")
	fs.String("openai-api-key", "", "OpenAI API key")
	fs.String("openai-model", d.OpenAIModel, "chat completion model")
	fs.String("system-prompt", d.SystemPrompt, "system prompt override")
	fs.String("telephony", d.Telephony, "telephony provider: simulated or retell")
	fs.String("retell-base-url", d.RetellBaseURL, "Retell API base URL")
	fs.String("retell-api-key", "", "Retell API key")
	fs.String("telephony-from-number", d.TelephonyFromNumber, "default caller number (E.164)")
	fs.StringSlice("telephony-org-numbers", nil, "per organization caller numbers as org=+number")
	fs.Bool("redis-enabled", d.RedisEnabled, "publish gateway events to Redis Streams")
	fs.String("redis-addr", d.RedisAddr, "Redis address")
	fs.String("redis-stream", d.RedisStream, "Redis stream for gateway events")
	fs.StringSlice("allowed-origins", nil, "allowed WebSocket origins, empty allows all")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown budget")
}

// ApplyFlags overlays the flags that were set explicitly. Values are decoded
// through the same YAML field mapping as the config file.
func ApplyFlags(fs *pflag.FlagSet, s *Settings) error {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == FlagConfig {
			return
		}
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: f.Name}
		var val *yaml.Node
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			val = &yaml.Node{Kind: yaml.SequenceNode}
			for _, item := range sv.GetSlice() {
				val.Content = append(val.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: item})
			}
		} else {
			val = &yaml.Node{Kind: yaml.ScalarNode, Value: f.Value.String()}
			if f.Value.Type() == "string" {
				val.Tag = "!!str"
			}
		}
		doc.Content = append(doc.Content, key, val)
	})
	if len(doc.Content) == 0 {
		return nil
	}
	if err := doc.Decode(s); err != nil {
		return errors.Wrap(err, "apply flags")
	}
	return nil
}
