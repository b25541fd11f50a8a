// Package config holds runtime configuration: a JSON5 file overlaid by
// environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Memory backend selectors.
const (
	MemoryFile     = "file"
	MemoryDynamoDB = "dynamodb"
)

// Config is the root configuration of the runtime.
type Config struct {
	Memory     MemoryConfig     `json:"memory"`
	AWS        AWSConfig        `json:"aws"`
	Compaction CompactionConfig `json:"compaction"`
	Assistants AssistantsConfig `json:"assistants"`
	Gateway    GatewayConfig    `json:"gateway"`
	Providers  ProvidersConfig  `json:"providers"`
}

// MemoryConfig selects and parameterizes the session store.
type MemoryConfig struct {
	Type        string `json:"type"` // file | dynamodb
	SessionsDir string `json:"sessionsDir,omitempty"`
	MemoryID    string `json:"memoryId,omitempty"`
}

// AWSConfig binds the cloud backends. The static credential pair is
// for local development endpoints (dynamodb-local); production relies
// on the default credential chain.
type AWSConfig struct {
	Region                string `json:"region,omitempty"`
	EndpointURL           string `json:"endpointUrl,omitempty"`
	AccessKeyID           string `json:"accessKeyId,omitempty"`
	SecretAccessKey       string `json:"secretAccessKey,omitempty"`
	SessionsMetadataTable string `json:"sessionsMetadataTable,omitempty"`
	CostSummaryTable      string `json:"costSummaryTable,omitempty"`
	SystemRollupTable     string `json:"systemRollupTable,omitempty"`
}

// CompactionConfig tunes the context-compaction engine.
type CompactionConfig struct {
	Enabled              bool `json:"enabled"`
	TokenThreshold       int  `json:"tokenThreshold,omitempty"`
	ProtectedTurns       int  `json:"protectedTurns,omitempty"`
	MaxToolContentLength int  `json:"maxToolContentLength,omitempty"`
}

// AssistantsConfig binds the knowledge-base services.
type AssistantsConfig struct {
	VectorStoreIndexName string `json:"vectorStoreIndexName,omitempty"`
	DocumentsBucketName  string `json:"documentsBucketName,omitempty"`
	QdrantHost           string `json:"qdrantHost,omitempty"`
	QdrantPort           int    `json:"qdrantPort,omitempty"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPS int    `json:"rateLimitRps,omitempty"`
}

// ProvidersConfig carries model-provider credentials and defaults.
type ProvidersConfig struct {
	DefaultModel string `json:"defaultModel,omitempty"`
	OpenAIAPIKey string `json:"openaiApiKey,omitempty"`
	GeminiAPIKey string `json:"geminiApiKey,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			Type:        MemoryFile,
			SessionsDir: "./sessions",
		},
		Compaction: CompactionConfig{
			Enabled:              true,
			TokenThreshold:       100000,
			ProtectedTurns:       2,
			MaxToolContentLength: 500,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			RateLimitRPS: 10,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error: env-only deployments are normal.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGENTCORE_MEMORY_TYPE", &c.Memory.Type)
	envStr("SESSIONS_DIR", &c.Memory.SessionsDir)
	envStr("MEMORY_ID", &c.Memory.MemoryID)

	envStr("AWS_REGION", &c.AWS.Region)
	envStr("AWS_ENDPOINT_URL", &c.AWS.EndpointURL)
	envStr("DYNAMODB_SESSIONS_METADATA_TABLE_NAME", &c.AWS.SessionsMetadataTable)
	envStr("DYNAMODB_COST_SUMMARY_TABLE_NAME", &c.AWS.CostSummaryTable)
	envStr("DYNAMODB_SYSTEM_ROLLUP_TABLE_NAME", &c.AWS.SystemRollupTable)

	if v := os.Getenv("COMPACTION_ENABLED"); v != "" {
		c.Compaction.Enabled = v == "true" || v == "1"
	}
	envInt("COMPACTION_TOKEN_THRESHOLD", &c.Compaction.TokenThreshold)
	envInt("COMPACTION_PROTECTED_TURNS", &c.Compaction.ProtectedTurns)
	envInt("COMPACTION_MAX_TOOL_CONTENT_LENGTH", &c.Compaction.MaxToolContentLength)

	envStr("ASSISTANTS_VECTOR_STORE_INDEX_NAME", &c.Assistants.VectorStoreIndexName)
	envStr("ASSISTANTS_DOCUMENTS_BUCKET_NAME", &c.Assistants.DocumentsBucketName)
	envStr("QDRANT_HOST", &c.Assistants.QdrantHost)
	envInt("QDRANT_PORT", &c.Assistants.QdrantPort)

	envStr("AGENTCORE_HOST", &c.Gateway.Host)
	envInt("AGENTCORE_PORT", &c.Gateway.Port)

	envStr("AGENTCORE_DEFAULT_MODEL", &c.Providers.DefaultModel)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	envStr("GEMINI_API_KEY", &c.Providers.GeminiAPIKey)
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Memory.Type {
	case MemoryFile:
		if c.Memory.SessionsDir == "" {
			return fmt.Errorf("memory type %q requires a sessions directory", MemoryFile)
		}
	case MemoryDynamoDB:
		if c.AWS.SessionsMetadataTable == "" {
			return fmt.Errorf("memory type %q requires DYNAMODB_SESSIONS_METADATA_TABLE_NAME", MemoryDynamoDB)
		}
	default:
		return fmt.Errorf("unknown memory type %q", c.Memory.Type)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	return nil
}
