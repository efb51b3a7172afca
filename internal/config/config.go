// Package config loads and validates the gateway's runtime configuration
// document (spec §6.3): transport binding, TLS material, the agent
// bearer token, the messenger section, downstream service credentials,
// the durable-store path, the approval timeout, and rate-limit knobs.
//
// ${VAR} environment substitution is applied recursively to every string
// leaf before validation, following the structured-data expansion
// pattern of kadirpekel-hector/config/env.go; unlike that reference,
// an unset referenced variable here is a fatal ConfigError, not a
// silent empty string — spec §6.3 requires fail-closed behavior.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// Config is the parsed runtime document.
type Config struct {
	Listen       string         `yaml:"listen"`
	TLS          *TLSConfig     `yaml:"tls,omitempty"`
	Insecure     bool           `yaml:"insecure"`
	AgentToken   string         `yaml:"agent_token"`
	PolicyPath   string         `yaml:"policy_path"`
	StorePath    string         `yaml:"store_path"`
	Approval     ApprovalConfig `yaml:"approval"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Messenger    MessengerConfig `yaml:"messenger"`
	Services     map[string]ServiceConfig `yaml:"services"`
}

// TLSConfig names the certificate and key files to load. Loading them
// into a tls.Config is a startup-wiring concern, out of CORE scope per
// spec §1.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ApprovalConfig is the ask-resolution timeout window.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// RateLimitConfig holds the two knobs of spec §4.G.
type RateLimitConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
}

// MessengerConfig selects and configures the out-of-band approval
// channel. AllowedUsers MUST be non-empty (spec §6.3).
type MessengerConfig struct {
	Type         string   `yaml:"type"`
	BotToken     string   `yaml:"bot_token"`
	AppToken     string   `yaml:"app_token"`
	Channel      string   `yaml:"channel"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// ServiceConfig is one downstream service's endpoint, credential, and
// the tool-name prefix the executor routes to it (spec §4.H).
type ServiceConfig struct {
	ToolPrefix string `yaml:"tool_prefix"`
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-substitutes, parses, and validates the config document
// at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("reading config %q: %v", path, err)}
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("parsing config YAML: %v", err)}
	}

	expanded, err := expand(generic)
	if err != nil {
		return nil, err
	}

	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("re-encoding expanded config: %v", err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(reencoded, &cfg); err != nil {
		return nil, &model.ConfigError{Msg: fmt.Sprintf("decoding config into struct: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand recursively substitutes ${VAR} in every string leaf of data,
// mirroring ExpandEnvVarsInData's structural walk but failing fast on
// an unset variable instead of substituting the empty string.
func expand(data any) (any, error) {
	switch v := data.(type) {
	case string:
		return expandString(v)
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, val := range v {
			e, err := expand(val)
			if err != nil {
				return nil, err
			}
			result[k] = e
		}
		return result, nil
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			e, err := expand(item)
			if err != nil {
				return nil, err
			}
			result[i] = e
		}
		return result, nil
	default:
		return v, nil
	}
}

func expandString(s string) (string, error) {
	var missing string
	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return match
		}
		return val
	})
	if missing != "" {
		return "", &model.ConfigError{Msg: fmt.Sprintf("referenced environment variable %q is not set", missing)}
	}
	return result, nil
}

// Validate checks the required, fail-closed invariants of spec §6.1/§6.3:
// TLS material unless the config sets insecure: true, a non-empty agent
// token, and a non-empty messenger allowed-user list.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &model.ConfigError{Msg: "listen address is required"}
	}
	if c.AgentToken == "" {
		return &model.ConfigError{Msg: "agent_token is required"}
	}
	if !c.Insecure && c.TLS == nil {
		return &model.ConfigError{Msg: "TLS material is required unless insecure: true is set"}
	}
	if len(c.Messenger.AllowedUsers) == 0 {
		return &model.ConfigError{Msg: "messenger.allowed_users must be non-empty"}
	}
	if c.Approval.TimeoutSeconds <= 0 {
		return &model.ConfigError{Msg: "approval.timeout_seconds must be positive"}
	}
	if c.PolicyPath == "" {
		return &model.ConfigError{Msg: "policy_path is required"}
	}
	if c.StorePath == "" {
		return &model.ConfigError{Msg: "store_path is required"}
	}
	for name, svc := range c.Services {
		if svc.ToolPrefix == "" {
			return &model.ConfigError{Msg: fmt.Sprintf("services.%s.tool_prefix is required", name)}
		}
		if svc.BaseURL == "" {
			return &model.ConfigError{Msg: fmt.Sprintf("services.%s.base_url is required", name)}
		}
	}
	return nil
}
