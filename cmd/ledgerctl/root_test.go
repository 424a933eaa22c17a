package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	content := `
storage:
  driver: "memory"
redis:
  enabled: false
kafka:
  enabled: false
webhook:
  secret: "whsec_test"
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSummaryCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, ""), "summary")
	require.NoError(t, err)

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "0", summary["available_balance"])
	assert.Equal(t, float64(0), summary["transaction_count"])
}

func TestTokenCommand(t *testing.T) {
	cfg := writeConfig(t, "admin:\n  jwt_secret: \"admin-secret\"\n")

	out, err := run(t, "--config", cfg, "token", "--subject", "ops@desk")
	require.NoError(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ops@desk", resp["subject"])
	assert.NotEmpty(t, resp["token"])

	_, err = run(t, "--config", cfg, "token")
	assert.Error(t, err, "subject is required")
}

func TestTokenCommand_NoSecret(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, ""), "token", "--subject", "ops")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestDLQCommands(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := run(t, "--config", cfg, "dlq", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = run(t, "--config", cfg, "dlq", "reprocess", "not-a-uuid")
	assert.ErrorContains(t, err, "bad event id")

	_, err = run(t, "--config", cfg, "dlq", "reprocess", "00000000-0000-0000-0000-000000000001")
	assert.Error(t, err)
}

func TestRetryCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, ""), "retry")
	require.NoError(t, err)
	assert.Equal(t, "processed 0 event(s)\n", out)
}

func TestMigrateCommand_RequiresPostgres(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, ""), "migrate")
	assert.ErrorContains(t, err, "storage.driver=postgres")
}

func TestReconcileCommand_BadFlags(t *testing.T) {
	cfg := writeConfig(t, "")

	_, err := run(t, "--config", cfg, "reconcile", "--start", "yesterday")
	assert.ErrorContains(t, err, "bad --start")

	_, err = run(t, "--config", cfg, "reconcile", "--end", "2026-13-01")
	assert.ErrorContains(t, err, "bad --end")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644))

	_, err := run(t, "--config", path, "summary")
	assert.ErrorContains(t, err, "webhook.secret")
}
