package alarm

// ============================================================================
// Alarm Pool Test File
// Purpose: Verify asynchronous playback, dropping when full, graceful shutdown
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPlayer struct {
	mu     sync.Mutex
	sounds []string
	block  chan struct{}
	err    error
}

func (r *recordingPlayer) Play(ctx context.Context, sound string) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds = append(r.sounds, sound)
	return r.err
}

func (r *recordingPlayer) played() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sounds...)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStart(t *testing.T) {
	pool := NewPool(NopPlayer{}, Options{})
	assert.Equal(t, 0, pool.WorkerCount())

	require.NoError(t, pool.Start(2))
	assert.Equal(t, 2, pool.WorkerCount())
	assert.Error(t, pool.Start(2))
	pool.Stop()
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(NopPlayer{}, Options{})
	assert.ErrorIs(t, pool.Submit("bell"), ErrPoolNotStarted)
}

func TestPlayDeliversSounds(t *testing.T) {
	player := &recordingPlayer{}
	pool := NewPool(player, Options{})
	require.NoError(t, pool.Start(1))

	pool.Play("bell")
	pool.Play("gong")
	pool.Stop()

	assert.Equal(t, []string{"bell", "gong"}, player.played())
	assert.Equal(t, int64(2), pool.Stats().Played)
}

func TestQueueFullDrops(t *testing.T) {
	player := &recordingPlayer{block: make(chan struct{})}
	var dropped []string
	pool := NewPool(player, Options{QueueSize: 1, OnDrop: func(s string) { dropped = append(dropped, s) }})
	require.NoError(t, pool.Start(1))

	// one in flight, one queued, the rest dropped
	require.NoError(t, pool.Submit("a"))
	require.Eventually(t, func() bool { return len(pool.taskCh) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit("b"))
	assert.ErrorIs(t, pool.Submit("c"), ErrQueueFull)
	pool.Play("d")

	close(player.block)
	pool.Stop()

	assert.Equal(t, []string{"a", "b"}, player.played())
	assert.Equal(t, []string{"c", "d"}, dropped)
	assert.Equal(t, int64(2), pool.Stats().Dropped)
}

func TestPlaybackTimeout(t *testing.T) {
	player := &recordingPlayer{block: make(chan struct{})}
	var mu sync.Mutex
	var results []error
	pool := NewPool(player, Options{
		Timeout: 10 * time.Millisecond,
		OnResult: func(_ string, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})
	require.NoError(t, pool.Start(1))
	pool.Play("slow")
	pool.Stop()

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0], context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestFailedPlaybackCounted(t *testing.T) {
	player := &recordingPlayer{err: errors.New("no audio device")}
	pool := NewPool(player, Options{})
	require.NoError(t, pool.Start(1))
	pool.Play("bell")
	pool.Stop()

	assert.Equal(t, Stats{Failed: 1}, pool.Stats())
}

func TestStopDrainsQueuedAlarms(t *testing.T) {
	player := &recordingPlayer{block: make(chan struct{})}
	pool := NewPool(player, Options{QueueSize: 4})
	require.NoError(t, pool.Start(1))

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(s))
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.stopped
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, pool.Submit("late"), ErrPoolClosed)

	select {
	case <-stopped:
		t.Fatal("Stop returned while playback was blocked")
	default:
	}
	close(player.block)
	<-stopped

	assert.Equal(t, []string{"a", "b", "c"}, player.played())
	assert.Equal(t, int64(3), pool.Stats().Played)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(NopPlayer{}, Options{})
	require.NoError(t, pool.Start(1))
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit("bell"), ErrPoolClosed)
}

// ============================================================================
// Player Tests
// ============================================================================

func TestBellPlayer(t *testing.T) {
	var buf bytes.Buffer
	p := &BellPlayer{W: &buf}
	require.NoError(t, p.Play(context.Background(), "anything"))
	assert.Equal(t, "\a", buf.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Play(ctx, "x"), context.Canceled)
}

func TestCommandPlayerEmpty(t *testing.T) {
	assert.Error(t, CommandPlayer{}.Play(context.Background(), "bell"))
}

func TestCommandPlayerSubstitutesSound(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p := CommandPlayer{Argv: []string{"sh", "-c", `test "$0" = "chime.oga"`, SoundPlaceholder + ".oga"}}
	assert.NoError(t, p.Play(context.Background(), "chime"))
	assert.Error(t, p.Play(context.Background(), "other"))
}
