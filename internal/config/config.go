// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the kernel's startup configuration, loaded with
// spf13/viper: defaults first, then a YAML file, then environment
// variables under a fixed prefix, highest priority last. There is no
// keyring-backed secrets loader; every secret comes from a flag, an env
// var, or the config file, same as the provider packages' own os.Getenv
// fallbacks in pkg/llm/factory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the base name viper searches for (ali.yaml).
const DefaultConfigFileName = "ali"

// EnvPrefix is the prefix environment variables are bound under, e.g.
// ALI_LLM_ANTHROPIC_API_KEY for llm.anthropic_api_key.
const EnvPrefix = "ALI"

// Config holds every setting the kernel needs before it can start its
// REPL: which LLM providers are usable, where its SQLite store and
// agent definitions live, how much it's allowed to spend, and how it
// logs. Priority, highest first: environment variables > config file >
// these defaults. The only CLI flag cmd/ali binds is --config, which
// picks the file.
type Config struct {
	// DataDir is the kernel's working directory (database, checkpoints,
	// agent definitions). Not loaded from the config file; always
	// resolved from ALI_DATA_DIR or ~/.ali.
	DataDir string `mapstructure:"-"`

	LLM         LLMConfig         `mapstructure:"llm"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cost        CostConfig        `mapstructure:"cost"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Fabric      FabricConfig      `mapstructure:"fabric"`
	Compaction  CompactionConfig  `mapstructure:"compaction"`
	ACP         ACPConfig         `mapstructure:"acp"`
}

// LLMConfig selects the default provider/model and carries every
// provider's credentials, mirroring pkg/llm/factory.FactoryConfig
// field for field so LoadConfig's output can be handed straight to
// factory.NewProviderFactory.
type LLMConfig struct {
	DefaultProvider string `mapstructure:"default_provider"`
	DefaultModel    string `mapstructure:"default_model"`
	MaxTokens       int    `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model"`

	BedrockRegion          string `mapstructure:"bedrock_region"`
	BedrockAccessKeyID     string `mapstructure:"bedrock_access_key_id"`
	BedrockSecretAccessKey string `mapstructure:"bedrock_secret_access_key"`
	BedrockSessionToken    string `mapstructure:"bedrock_session_token"`
	BedrockProfile         string `mapstructure:"bedrock_profile"`
	BedrockModelID         string `mapstructure:"bedrock_model_id"`

	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`

	OpenAIAPIKey string `mapstructure:"openai_api_key"`
	OpenAIModel  string `mapstructure:"openai_model"`

	AzureOpenAIEndpoint     string `mapstructure:"azure_openai_endpoint"`
	AzureOpenAIDeploymentID string `mapstructure:"azure_openai_deployment_id"`
	AzureOpenAIAPIKey       string `mapstructure:"azure_openai_api_key"`
	AzureOpenAIEntraToken   string `mapstructure:"azure_openai_entra_token"`

	MistralAPIKey string `mapstructure:"mistral_api_key"`
	MistralModel  string `mapstructure:"mistral_model"`

	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model"`

	HuggingFaceToken string `mapstructure:"huggingface_token"`
	HuggingFaceModel string `mapstructure:"huggingface_model"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	// Path is relative to DataDir unless absolute.
	Path string `mapstructure:"path"`
}

// CostConfig seeds the session budget.
type CostConfig struct {
	BudgetUSD float64 `mapstructure:"budget_usd"`
}

// AgentsConfig locates the YAML agent-definition directory registry.LoadDefinitions watches.
type AgentsConfig struct {
	// DefinitionsDir is relative to DataDir unless absolute.
	DefinitionsDir string `mapstructure:"definitions_dir"`
	AliName        string `mapstructure:"ali_name"`
}

// LoggingConfig controls the zap logger internal/log wraps.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// FabricConfig bounds the in-memory semantic graph.
type FabricConfig struct {
	MaxNodes int `mapstructure:"max_nodes"`
}

// CompactionConfig controls pkg/compactor's checkpoint cadence.
type CompactionConfig struct {
	KeepRecent     int `mapstructure:"keep_recent"`
	MaxCheckpoints int `mapstructure:"max_checkpoints"`
}

// ACPConfig controls the optional line-delimited JSON-RPC surface.
type ACPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GetDataDir resolves the kernel's data directory: an explicit env var
// wins, else ~/.ali.
func GetDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ali"
	}
	return filepath.Join(home, ".ali")
}

// LoadConfig reads defaults, an optional config file, and environment
// variables (in that priority order, lowest first) into a Config. A
// missing config file is not an error; an unreadable one is.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	dataDir := GetDataDir()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(dataDir)
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.DataDir = dataDir

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("llm.default_provider", "anthropic")
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.temperature", 1.0)
	viper.SetDefault("llm.timeout_seconds", 60)

	viper.SetDefault("database.path", "ali.db")

	viper.SetDefault("cost.budget_usd", 5.0)

	viper.SetDefault("agents.definitions_dir", "agents")
	viper.SetDefault("agents.ali_name", "Ali")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)

	viper.SetDefault("fabric.max_nodes", 10000)

	viper.SetDefault("compaction.keep_recent", 20)
	viper.SetDefault("compaction.max_checkpoints", 50)

	viper.SetDefault("acp.enabled", false)
}

// Validate checks the settings LoadConfig cannot default its way out
// of: a provider must be nameable, and at minimum the chosen default
// provider's own createXProvider error (surfaced later by
// factory.ProviderFactory) tells the operator what's missing, so
// Validate here only rejects structurally invalid values.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("config: llm.default_provider must not be empty")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config: llm.max_tokens must be positive")
	}
	if c.Cost.BudgetUSD < 0 {
		return fmt.Errorf("config: cost.budget_usd must not be negative")
	}
	return nil
}

// ResolvedPath joins a path to DataDir unless it is already absolute.
func (c *Config) ResolvedPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
