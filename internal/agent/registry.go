// Package agent reads collaborator-owned agent definitions. The core
// consumes env var names, model and limits; it does not define agents.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// Limits are the agent's container resource limits.
type Limits struct {
	MemoryMB int `mapstructure:"memoryMb"`
	CPUs     int `mapstructure:"cpus"`
}

// Definition is one agent's configuration, read from
// data/agents/<slug>/agent.yaml.
type Definition struct {
	Slug         string   `mapstructure:"-"`
	Name         string   `mapstructure:"name"`
	Model        string   `mapstructure:"model"`
	SystemPrompt string   `mapstructure:"systemPrompt"`
	EnvVars      []string `mapstructure:"envVars"` // names resolved through the secrets providers
	Limits       Limits   `mapstructure:"limits"`
}

// Registry loads and caches agent definitions from the data directory.
type Registry struct {
	dataDir string
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[string]*Definition
}

// NewRegistry creates a registry rooted at dataDir.
func NewRegistry(dataDir string, log *logger.Logger) *Registry {
	return &Registry{
		dataDir: dataDir,
		cache:   make(map[string]*Definition),
		logger:  log.WithFields(zap.String("component", "agent_registry")),
	}
}

// Get returns the agent's definition, loading it on first use. A missing
// agent.yaml yields a minimal definition; agents work with defaults.
func (r *Registry) Get(slug string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.cache[slug]; ok {
		return def, nil
	}

	def, err := r.load(slug)
	if err != nil {
		return nil, err
	}
	r.cache[slug] = def
	return def, nil
}

// Invalidate drops the cached definition so the next Get re-reads disk.
func (r *Registry) Invalidate(slug string) {
	r.mu.Lock()
	delete(r.cache, slug)
	r.mu.Unlock()
}

// List returns the slugs of every agent with a directory under the data
// root.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dataDir, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var slugs []string
	for _, entry := range entries {
		if entry.IsDir() {
			slugs = append(slugs, entry.Name())
		}
	}
	return slugs, nil
}

func (r *Registry) load(slug string) (*Definition, error) {
	path := filepath.Join(r.dataDir, "agents", slug, "agent.yaml")

	def := &Definition{Slug: slug, Name: slug}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		r.logger.Debug("no agent.yaml, using defaults", zap.String("agent_slug", slug))
		return def, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read agent config for %s: %w", slug, err)
	}
	if err := v.Unmarshal(def); err != nil {
		return nil, fmt.Errorf("failed to parse agent config for %s: %w", slug, err)
	}
	def.Slug = slug
	if def.Name == "" {
		def.Name = slug
	}
	return def, nil
}
