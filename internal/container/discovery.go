// Package container finds the devcontainer engine processes run inside when
// container mode is on.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Config holds configuration for container discovery.
type Config struct {
	// LabelKey is the Docker label key to filter by (default: "devcontainer.local_folder").
	LabelKey string
	// LabelValue is the Docker label value to match. Empty matches any value.
	LabelValue string
	// CacheTTL is how long a discovered container ID is trusted.
	CacheTTL time.Duration
	Logger   *slog.Logger
	// Run overrides command execution in tests.
	Run Runner
}

// Discovery finds and caches the devcontainer's Docker container ID.
type Discovery struct {
	cfg    Config
	logger *slog.Logger
	run    Runner
	group  singleflight.Group

	mu          sync.RWMutex
	containerID string
	lastCheck   time.Time
}

// NewDiscovery creates a new container discovery instance.
func NewDiscovery(cfg Config) *Discovery {
	if cfg.LabelKey == "" {
		cfg.LabelKey = "devcontainer.local_folder"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	run := cfg.Run
	if run == nil {
		run = execRunner
	}
	return &Discovery{cfg: cfg, logger: logger, run: run}
}

// ContainerID returns the devcontainer's Docker container ID, re-discovering
// it once the cached value is older than the TTL.
func (d *Discovery) ContainerID(ctx context.Context) (string, error) {
	d.mu.RLock()
	if d.containerID != "" && time.Since(d.lastCheck) < d.cfg.CacheTTL {
		id := d.containerID
		d.mu.RUnlock()
		return id, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.group.Do("discover", func() (interface{}, error) {
		return d.discover(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Discovery) filter() string {
	if d.cfg.LabelValue == "" {
		return "label=" + d.cfg.LabelKey
	}
	return fmt.Sprintf("label=%s=%s", d.cfg.LabelKey, d.cfg.LabelValue)
}

func (d *Discovery) discover(ctx context.Context) (string, error) {
	output, err := d.run(ctx, "docker", "ps", "-q", "--filter", d.filter())
	if err != nil {
		return "", fmt.Errorf("query docker: %w", err)
	}

	id, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	id = strings.TrimSpace(id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if id == "" {
		d.containerID = ""
		return "", fmt.Errorf("no running devcontainer found (%s)", d.filter())
	}
	if id != d.containerID {
		d.logger.Info("Discovered devcontainer", "containerID", id, "filter", d.filter())
	}
	d.containerID = id
	d.lastCheck = time.Now()
	return id, nil
}

// Invalidate clears the cached container ID, forcing re-discovery on next call.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	d.containerID = ""
	d.mu.Unlock()
}
