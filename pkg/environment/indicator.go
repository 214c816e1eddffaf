package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Indicator reports whether one marker of an execution environment is present.
type Indicator interface {
	Name() string
	Check(ctx context.Context) (bool, error)
}

// FileIndicator reports presence based on a path existing on disk.
type FileIndicator struct {
	name string
	path string
}

// NewFileIndicator builds a indicator for path.
func NewFileIndicator(name, path string) *FileIndicator {
	return &FileIndicator{name: name, path: path}
}

func (p *FileIndicator) Name() string { return p.name }

func (p *FileIndicator) Check(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if strings.TrimSpace(p.path) == "" {
		return false, errors.New("file indicator path must not be empty")
	}

	_, err := os.Stat(p.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p.path, err)
}

// EnvIndicator reports presence based on a non-empty environment variable.
type EnvIndicator struct {
	name   string
	key    string
	lookup func(string) (string, bool)
}

// NewEnvIndicator builds a indicator for the environment variable key.
func NewEnvIndicator(name, key string) *EnvIndicator {
	return &EnvIndicator{name: name, key: key, lookup: os.LookupEnv}
}

func (p *EnvIndicator) Name() string { return p.name }

func (p *EnvIndicator) Check(context.Context) (bool, error) {
	v, ok := p.lookup(p.key)
	return ok && strings.TrimSpace(v) != "", nil
}

// RuntimeIndicator looks for a container runtime CLI on PATH.
type RuntimeIndicator struct {
	candidates []string
	lookPath   func(string) (string, error)
	found      string
}

// NewRuntimeIndicator searches candidates in order. With no candidates it looks
// for docker, then podman.
func NewRuntimeIndicator(candidates ...string) *RuntimeIndicator {
	if len(candidates) == 0 {
		candidates = []string{"docker", "podman"}
	}
	return &RuntimeIndicator{candidates: candidates, lookPath: exec.LookPath}
}

func (p *RuntimeIndicator) Name() string { return "container-runtime" }

func (p *RuntimeIndicator) Check(ctx context.Context) (bool, error) {
	for _, candidate := range p.candidates {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		path, err := p.lookPath(candidate)
		if err == nil {
			p.found = path
			return true, nil
		}
	}
	return false, nil
}

// Binary returns the runtime binary found by the last successful Check.
func (p *RuntimeIndicator) Binary() string { return p.found }

var _ Indicator = (*FileIndicator)(nil)
var _ Indicator = (*EnvIndicator)(nil)
var _ Indicator = (*RuntimeIndicator)(nil)
