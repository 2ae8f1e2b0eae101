package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const scriptName = "run_inference.py"

// Runner executes name with args in dir and returns its output.
type Runner func(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command as a subprocess. It is killed when ctx ends.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// BitNet drives a BitNet checkout through its run_inference.py script.
type BitNet struct {
	path   string
	python string
	run    Runner
	logger zerolog.Logger
}

type Option func(*BitNet)

// WithPython sets the interpreter. Defaults to python3.
func WithPython(python string) Option {
	return func(b *BitNet) { b.python = python }
}

func WithRunner(r Runner) Option {
	return func(b *BitNet) { b.run = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *BitNet) { b.logger = logger }
}

func NewBitNet(path string, opts ...Option) *BitNet {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	b := &BitNet{
		path:   path,
		python: "python3",
		run:    ExecRunner,
		logger: log.With().Str("component", "inference").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BitNet) Path() string {
	return b.path
}

func (b *BitNet) Available() error {
	checks := []struct {
		path string
		what string
		dir  bool
	}{
		{b.path, "BitNet repository", true},
		{filepath.Join(b.path, scriptName), "inference script", false},
		{filepath.Join(b.path, "build"), "build directory", true},
	}
	for _, c := range checks {
		info, err := os.Stat(c.path)
		if err != nil {
			return fmt.Errorf("%s not found at %s", c.what, c.path)
		}
		if c.dir && !info.IsDir() {
			return fmt.Errorf("%s at %s is not a directory", c.what, c.path)
		}
	}
	return nil
}

// Args builds the script arguments for prompt.
func (b *BitNet) Args(prompt string, p Params) []string {
	args := []string{
		filepath.Join(b.path, scriptName),
		"-p", prompt,
		"-n", strconv.Itoa(p.NPredict),
		"-t", strconv.Itoa(p.Threads),
	}
	if p.ModelPath != "" {
		args = append(args, "-m", p.ModelPath)
	}
	if p.Conversation {
		args = append(args, "-cnv")
	}
	return args
}

func (b *BitNet) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	if err := b.Available(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := b.Args(prompt, p)
	b.logger.Info().
		Str("dir", b.path).
		Int("n_predict", p.NPredict).
		Int("threads", p.Threads).
		Msg("Executing inference command")

	stdout, stderr, err := b.run(ctx, b.path, b.python, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out after %s", ErrInferenceFailure, p.Timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrInferenceFailure, ctxErr)
	}
	if err != nil {
		b.logger.Error().Err(err).Str("stderr", strings.TrimSpace(string(stderr))).Msg("Inference command failed")
		return "", fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}

	out := strings.TrimSpace(string(stdout))
	if out == "" {
		return "", fmt.Errorf("%w: empty output", ErrInferenceFailure)
	}
	b.logger.Info().Int("chars", len(out)).Msg("Inference successful")
	return out, nil
}
