package election

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	became int
	lost   int
	fail   bool
}

func (l *countingListener) BecomeLeader(ctx context.Context) error {
	if l.fail {
		return fmt.Errorf("bring-up failed")
	}
	l.became++
	return nil
}

func (l *countingListener) LoseLeadership() {
	l.lost++
}

func TestStandaloneElectorElectsImmediately(t *testing.T) {
	elector := NewStandaloneElector("127.0.0.1:8090")
	listener := &countingListener{}

	require.NoError(t, elector.Start(context.Background(), listener))
	assert.True(t, elector.IsLeader())
	assert.Equal(t, 1, listener.became)

	leader, err := elector.Leader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", leader)
}

func TestStandaloneElectorStartIdempotent(t *testing.T) {
	elector := NewStandaloneElector("127.0.0.1:8090")
	listener := &countingListener{}

	require.NoError(t, elector.Start(context.Background(), listener))
	require.NoError(t, elector.Start(context.Background(), listener))
	assert.Equal(t, 1, listener.became)
}

func TestStandaloneElectorStop(t *testing.T) {
	elector := NewStandaloneElector("127.0.0.1:8090")
	listener := &countingListener{}

	require.NoError(t, elector.Start(context.Background(), listener))
	require.NoError(t, elector.Stop())
	assert.False(t, elector.IsLeader())
	assert.Equal(t, 1, listener.lost)

	// Stop while standing by is a no-op.
	require.NoError(t, elector.Stop())
	assert.Equal(t, 1, listener.lost)
}

func TestStandaloneElectorBecomeLeaderFailure(t *testing.T) {
	elector := NewStandaloneElector("127.0.0.1:8090")
	listener := &countingListener{fail: true}

	err := elector.Start(context.Background(), listener)
	require.Error(t, err)
	assert.False(t, elector.IsLeader())
}

func TestNewRedisElectorValidation(t *testing.T) {
	_, err := NewRedisElector(&RedisConfig{}, "127.0.0.1:8090", nil)
	assert.Error(t, err, "addr is required")

	elector, err := NewRedisElector(&RedisConfig{Addr: "127.0.0.1:6379"}, "127.0.0.1:8090", nil)
	require.NoError(t, err)
	assert.Equal(t, "overlord:election", elector.cfg.Key, "defaults applied")
	assert.False(t, elector.IsLeader())
}
