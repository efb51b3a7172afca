package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("AGENT_TOKEN", "s3cr3t")
	path := writeConfig(t, `
listen: ":8443"
insecure: true
agent_token: "${AGENT_TOKEN}"
policy_path: "policy.yaml"
store_path: "gateway.db"
approval:
  timeout_seconds: 900
rate_limit:
  max_requests_per_minute: 60
  max_pending_approvals: 10
messenger:
  type: slack
  allowed_users: ["U123"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cfg.AgentToken)
}

func TestLoadFailsOnUnsetVariable(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
insecure: true
agent_token: "${DEFINITELY_NOT_SET_VAR}"
policy_path: "policy.yaml"
store_path: "gateway.db"
approval:
  timeout_seconds: 900
messenger:
  allowed_users: ["U123"]
`)

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidateRequiresTLSUnlessInsecure(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
agent_token: "token"
policy_path: "policy.yaml"
store_path: "gateway.db"
approval:
  timeout_seconds: 900
messenger:
  allowed_users: ["U123"]
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresNonEmptyAllowedUsers(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
insecure: true
agent_token: "token"
policy_path: "policy.yaml"
store_path: "gateway.db"
approval:
  timeout_seconds: 900
messenger:
  allowed_users: []
`)

	_, err := Load(path)
	require.Error(t, err)
}
