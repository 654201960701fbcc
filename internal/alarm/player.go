package alarm

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Player plays one alarm sound. Implementations must honor ctx.
type Player interface {
	Play(ctx context.Context, sound string) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, sound string) error

func (f PlayerFunc) Play(ctx context.Context, sound string) error { return f(ctx, sound) }

// BellPlayer writes the terminal bell character, ignoring the sound name.
type BellPlayer struct {
	mu sync.Mutex
	W  io.Writer
}

func (b *BellPlayer) Play(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.W.Write([]byte{'\a'})
	return err
}

// SoundPlaceholder is replaced by the sound name in CommandPlayer args.
const SoundPlaceholder = "{sound}"

// CommandPlayer runs an external program per alarm, e.g.
// ["paplay", "/usr/share/sounds/{sound}.oga"].
type CommandPlayer struct {
	Argv []string
}

func (c CommandPlayer) Play(ctx context.Context, sound string) error {
	if len(c.Argv) == 0 {
		return fmt.Errorf("alarm command is empty")
	}
	args := make([]string, len(c.Argv)-1)
	for i, a := range c.Argv[1:] {
		args[i] = strings.ReplaceAll(a, SoundPlaceholder, sound)
	}
	out, err := exec.CommandContext(ctx, c.Argv[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w (%s)", c.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopPlayer discards every alarm.
type NopPlayer struct{}

func (NopPlayer) Play(context.Context, string) error { return nil }
