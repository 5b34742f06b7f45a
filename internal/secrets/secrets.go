// Package secrets resolves agent env var values from an ordered chain of
// providers.
package secrets

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// Provider resolves one secret by name.
type Provider interface {
	Get(name string) (string, bool)
}

// EnvProvider reads secrets from the process environment, preferring a
// SUPERAGENT_SECRET_ prefixed form over the bare name.
type EnvProvider struct{}

func (EnvProvider) Get(name string) (string, bool) {
	if v, ok := os.LookupEnv("SUPERAGENT_SECRET_" + name); ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// FileProvider reads KEY=VALUE lines from a secrets file. Lines starting
// with # and blank lines are skipped. The file loads once.
type FileProvider struct {
	Path string

	once   sync.Once
	values map[string]string
}

func (p *FileProvider) Get(name string) (string, bool) {
	p.once.Do(p.load)
	v, ok := p.values[name]
	return v, ok
}

func (p *FileProvider) load() {
	p.values = make(map[string]string)
	f, err := os.Open(p.Path)
	if err != nil {
		return
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		p.values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// Chain tries providers in order.
type Chain []Provider

func (c Chain) Get(name string) (string, bool) {
	for _, p := range c {
		if v, ok := p.Get(name); ok {
			return v, true
		}
	}
	return "", false
}

// Resolve returns NAME=value pairs for the requested names, skipping
// names no provider can serve.
func (c Chain) Resolve(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := c.Get(name); ok {
			out = append(out, name+"="+v)
		}
	}
	return out
}
