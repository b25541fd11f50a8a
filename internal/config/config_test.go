package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.Type != MemoryFile {
		t.Errorf("memory type = %s", cfg.Memory.Type)
	}
	if cfg.Compaction.TokenThreshold != 100000 {
		t.Errorf("token threshold = %d", cfg.Compaction.TokenThreshold)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
  // local development setup
  memory: { type: "file", sessionsDir: "/tmp/sessions" },
  gateway: { host: "127.0.0.1", port: 9090 },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.SessionsDir != "/tmp/sessions" || cfg.Gateway.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTCORE_MEMORY_TYPE", "dynamodb")
	t.Setenv("DYNAMODB_SESSIONS_METADATA_TABLE_NAME", "sessions-table")
	t.Setenv("COMPACTION_TOKEN_THRESHOLD", "50000")
	t.Setenv("COMPACTION_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.Type != MemoryDynamoDB {
		t.Errorf("memory type = %s", cfg.Memory.Type)
	}
	if cfg.AWS.SessionsMetadataTable != "sessions-table" {
		t.Errorf("table = %s", cfg.AWS.SessionsMetadataTable)
	}
	if cfg.Compaction.TokenThreshold != 50000 || cfg.Compaction.Enabled {
		t.Errorf("compaction = %+v", cfg.Compaction)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownMemoryType(t *testing.T) {
	cfg := Default()
	cfg.Memory.Type = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
