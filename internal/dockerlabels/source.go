// Package dockerlabels reads container labels from the local Docker engine
// so discovered routers can be matched to their API declarations.
package dockerlabels

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

const (
	composeServiceLabel = "com.docker.compose.service"
	routerLabelPrefix   = "traefik.http.routers."
)

// Lister is the subset of the Docker client used by Source.
type Lister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Config controls the Docker label source.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	// OnlyTraefik restricts the listing to containers with traefik.enable=true.
	OnlyTraefik bool `mapstructure:"only_traefik"`
}

// Source builds a label index from running containers.
type Source struct {
	lister      Lister
	onlyTraefik bool
	logger      *zap.Logger
}

// New connects to the Docker engine using DOCKER_HOST and friends, or
// cfg.Host when set.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewWithLister(cli, cfg.OnlyTraefik, logger), nil
}

// NewWithLister wraps an existing lister; tests pass a fake.
func NewWithLister(l Lister, onlyTraefik bool, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{lister: l, onlyTraefik: onlyTraefik, logger: logger}
}

// Index returns container labels keyed by every name a router might use:
// the compose service, the container name, and each declared router name.
// Earlier keys are never overwritten by later containers.
func (s *Source) Index(ctx context.Context) (map[string]map[string]string, error) {
	opts := container.ListOptions{}
	if s.onlyTraefik {
		opts.Filters = filters.NewArgs(filters.Arg("label", "traefik.enable=true"))
	}
	containers, err := s.lister.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	index := make(map[string]map[string]string, len(containers))
	add := func(key string, labels map[string]string) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		if _, ok := index[key]; !ok {
			index[key] = labels
		}
	}

	for i := range containers {
		c := &containers[i]
		if len(c.Labels) == 0 {
			continue
		}
		for _, r := range routerNames(c.Labels) {
			add(r, c.Labels)
		}
		add(c.Labels[composeServiceLabel], c.Labels)
		for _, n := range c.Names {
			add(strings.TrimPrefix(n, "/"), c.Labels)
		}
	}

	s.logger.Debug("docker label index built",
		zap.Int("containers", len(containers)),
		zap.Int("keys", len(index)),
	)
	return index, nil
}

// routerNames extracts <name> from traefik.http.routers.<name>.* labels.
func routerNames(labels map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for k := range labels {
		rest, ok := strings.CutPrefix(k, routerLabelPrefix)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, ".")
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
