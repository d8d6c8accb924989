package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{Level: "debug", OutputPaths: []string{filepath.Join(dir, "app.log")}, Audit: AuditConfig{Enabled: true, Path: path}}))
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("intent executed", "tx_hash", "0xabc")
	Named("policy").Debug("window evaluated")
	require.NoError(t, Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &entry))
	require.Equal(t, "intent executed", entry["msg"])
	require.Equal(t, "audit", entry["stream"])

	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(app), `"component":"policy"`))
}

func TestAuditRequiresPath(t *testing.T) {
	require.Error(t, Init(Config{Audit: AuditConfig{Enabled: true}}))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "WARN", parseLevel("warning").String())
	require.Equal(t, "INFO", parseLevel("").String())
	require.Equal(t, "ERROR+2", parseLevel("error+2").String())
	require.Equal(t, "INFO", parseLevel("verbose").String())
}
