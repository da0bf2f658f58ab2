package alarm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Speaker synthesises and plays one spoken message, returning when playback ends.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// CommandSpeaker runs an external text-to-speech program, e.g. espeak-ng, with the text
// as its last argument after "--" so that text starting with a dash is never read as an
// option.
type CommandSpeaker struct {
	args []string
}

func NewCommandSpeaker(args []string) *CommandSpeaker {
	return &CommandSpeaker{args: append([]string(nil), args...)}
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	if len(s.args) == 0 {
		return fmt.Errorf("no speech command configured")
	}
	args := append(append([]string(nil), s.args[1:]...), "--", text)
	cmd := exec.CommandContext(ctx, s.args[0], args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", s.args[0], err)
	}
	return nil
}
