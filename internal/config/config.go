package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/embedding"
	"github.com/nidhogg/nuka-swarm/internal/mcp"
	"github.com/nidhogg/nuka-swarm/internal/memory"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/vectorstore"
	"github.com/nidhogg/nuka-swarm/internal/workflow"
)

// Config is the top-level configuration structure.
type Config struct {
	Server          ServerConfig              `json:"server" yaml:"server"`
	Providers       []provider.ProviderConfig `json:"providers" yaml:"providers"`
	DefaultProvider string                    `json:"default_provider" yaml:"default_provider"`
	Embedding       embedding.Config          `json:"embedding" yaml:"embedding"`
	Database        DatabaseConfig            `json:"database" yaml:"database"`
	Memory          memory.Config             `json:"memory" yaml:"memory"`
	Swarm           swarm.Config              `json:"swarm" yaml:"swarm"`
	Workflow        workflow.Options          `json:"workflow" yaml:"workflow"`
	Agents          []agent.Config            `json:"agents" yaml:"agents"`
	MCP             MCPConfig                 `json:"mcp" yaml:"mcp"`
	ProfilesDir     string                    `json:"profiles_dir" yaml:"profiles_dir"`
	WorkflowFile    string                    `json:"workflow_file" yaml:"workflow_file"`
}

type ServerConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `json:"servers" yaml:"servers"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres" yaml:"postgres"`
	Neo4j    Neo4jConfig              `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig              `json:"redis" yaml:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL          string `json:"url" yaml:"url"`
	EventStream  string `json:"event_stream" yaml:"event_stream"`
	MemoryPrefix string `json:"memory_prefix" yaml:"memory_prefix"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file and substitutes environment
// variable references. The format follows the file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.WorkflowFile != "" && !filepath.IsAbs(cfg.WorkflowFile) {
		cfg.WorkflowFile = filepath.Join(filepath.Dir(path), cfg.WorkflowFile)
	}
	return cfg, nil
}

// Parse decodes config data after environment substitution. ext selects
// the decoder: ".yaml" and ".yml" use YAML, anything else JSON.
func Parse(data []byte, ext string) (*Config, error) {
	resolved := []byte(Expand(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(resolved, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(resolved, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
// An unset or empty variable takes the default, which may be empty.
func Expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Agent returns the config of one agent by ID.
func (c *Config) Agent(id string) (agent.Config, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return agent.Config{}, false
}
