package container

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/logging"
)

var _ engine.ContainerResolver = (*Discovery)(nil)

type fakeDocker struct {
	calls  atomic.Int32
	output string
	err    error
	args   []string
}

func (f *fakeDocker) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls.Add(1)
	f.args = append([]string{name}, args...)
	return []byte(f.output), f.err
}

func newDiscovery(f *fakeDocker, value string, ttl time.Duration) *Discovery {
	return NewDiscovery(Config{LabelValue: value, CacheTTL: ttl, Logger: logging.Discard(), Run: f.run})
}

func TestContainerID_FirstMatchCached(t *testing.T) {
	f := &fakeDocker{output: "abc123\ndef456\n"}
	d := newDiscovery(f, "/workspace", time.Minute)

	id, err := d.ContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "docker ps -q --filter label=devcontainer.local_folder=/workspace", strings.Join(f.args, " "))

	_, err = d.ContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())

	d.Invalidate()
	_, err = d.ContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestContainerID_AnyValueFilter(t *testing.T) {
	f := &fakeDocker{output: "abc123\n"}
	d := newDiscovery(f, "", time.Minute)
	_, err := d.ContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "label=devcontainer.local_folder", f.args[len(f.args)-1])
}

func TestContainerID_Errors(t *testing.T) {
	f := &fakeDocker{output: "\n"}
	d := newDiscovery(f, "/workspace", time.Minute)
	_, err := d.ContainerID(context.Background())
	assert.ErrorContains(t, err, "no running devcontainer")

	f.err = errors.New("docker: not found")
	_, err = d.ContainerID(context.Background())
	assert.ErrorContains(t, err, "query docker")
}

func TestContainerID_ExpiredCacheRediscovers(t *testing.T) {
	f := &fakeDocker{output: "abc123\n"}
	d := newDiscovery(f, "/workspace", time.Millisecond)
	_, err := d.ContainerID(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	f.output = "fff999\n"
	id, err := d.ContainerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fff999", id)
}
