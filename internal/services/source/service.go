// Package source guards the live directory tree while a snapshot reads it.
package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/rs/zerolog"
)

// Sentinel errors for source operations.
var (
	// ErrQuiescenceDenied indicates the tree could not be locked for a snapshot.
	ErrQuiescenceDenied = errors.New("quiescence denied")

	// ErrUnknownToken indicates Release was called with a token that is not held.
	ErrUnknownToken = errors.New("unknown quiescence token")
)

// Token is proof that the tree is quiesced. It is valid until released.
type Token struct {
	ID         uint64
	AcquiredAt time.Time
}

// Service defines the contract of a source tree owner.
type Service interface {
	AcquireQuiescence(ctx context.Context) (Token, error)
	Release(ctx context.Context, token Token) error
	RootPath() string
	Identity() string
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl owns a directory on the local filesystem. Quiescence is an in-process
// lock plus optional hook commands that ask the host to stop and resume writing.
type Impl struct {
	settings models.SourceSettings
	executor CommandExecutor
	logger   zerolog.Logger

	mu     sync.Mutex
	held   bool
	lastID uint64
}

// New creates a new source owner.
func New(logger zerolog.Logger, settings models.SourceSettings) *Impl {
	return &Impl{
		settings: settings,
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new source owner with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, settings models.SourceSettings, executor CommandExecutor) *Impl {
	return &Impl{
		settings: settings,
		executor: executor,
		logger:   logger,
	}
}

// RootPath returns the directory being backed up.
func (s *Impl) RootPath() string {
	return s.settings.Path
}

// Identity returns the name used for archives and state.
func (s *Impl) Identity() string {
	return IdentityOf(s.settings)
}

// IdentityOf returns the configured identity, or the base name of the source path.
func IdentityOf(settings models.SourceSettings) string {
	if settings.Identity != "" {
		return settings.Identity
	}
	return filepath.Base(filepath.Clean(settings.Path))
}

// AcquireQuiescence locks the tree for one snapshot.
func (s *Impl) AcquireQuiescence(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held {
		return Token{}, errors.Wrap(ErrQuiescenceDenied, "source is already quiesced")
	}

	info, err := os.Stat(s.settings.Path)
	if err != nil {
		return Token{}, errors.Mark(errors.Wrapf(err, "checking source %s", s.settings.Path), ErrQuiescenceDenied)
	}
	if !info.IsDir() {
		return Token{}, errors.Wrapf(ErrQuiescenceDenied, "source %s is not a directory", s.settings.Path)
	}

	if err := s.runHook(ctx, "pre", s.settings.Quiesce.PreCommand); err != nil {
		return Token{}, errors.Mark(err, ErrQuiescenceDenied)
	}

	s.lastID++
	s.held = true
	token := Token{ID: s.lastID, AcquiredAt: time.Now()}

	s.logger.Debug().Uint64("token", token.ID).Str("source", s.settings.Path).Msg("source quiesced")
	return token, nil
}

// Release ends quiescence. The lock is dropped even if the post hook fails.
func (s *Impl) Release(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.held || token.ID != s.lastID {
		return errors.Wrapf(ErrUnknownToken, "token %d", token.ID)
	}
	s.held = false

	if err := s.runHook(ctx, "post", s.settings.Quiesce.PostCommand); err != nil {
		return err
	}

	s.logger.Debug().
		Uint64("token", token.ID).
		Dur("held", time.Since(token.AcquiredAt)).
		Msg("source released")
	return nil
}

func (s *Impl) runHook(ctx context.Context, name string, command []string) error {
	if len(command) == 0 {
		return nil
	}

	if s.settings.Quiesce.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.Quiesce.Timeout)
		defer cancel()
	}

	s.logger.Info().Str("hook", name).Strs("command", command).Msg("running quiesce hook")

	output, err := s.executor.Execute(ctx, command[0], command[1:]...)
	if err != nil {
		return errors.Wrapf(err, "%s hook %q failed, output: %s", name, strings.Join(command, " "), strings.TrimSpace(string(output)))
	}

	s.logger.Debug().Str("hook", name).Str("output", strings.TrimSpace(string(output))).Msg("quiesce hook finished")
	return nil
}
