// Package state persists BackupState per source tree.
package state

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Service defines the interface for state persistence.
type Service interface {
	Load(identity string) (models.BackupState, error)
	Save(identity string, state models.BackupState) error
}

// Impl stores one YAML file per source identity in a directory.
type Impl struct {
	dir    string
	logger zerolog.Logger
}

// New creates a new state store rooted at dir.
func New(logger zerolog.Logger, dir string) *Impl {
	return &Impl{
		dir:    dir,
		logger: logger,
	}
}

// Path returns the file backing the state of identity.
func (s *Impl) Path(identity string) string {
	clean := strings.NewReplacer("/", "_", "\\", "_").Replace(identity)
	return filepath.Join(s.dir, clean+".state.yaml")
}

// Load reads the state of identity. A missing file yields the zero state,
// which makes the next run a full snapshot.
func (s *Impl) Load(identity string) (models.BackupState, error) {
	path := s.Path(identity)

	data, err := os.ReadFile(path) //nolint:gosec // path is built from config
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug().Str("file", path).Msg("no backup state yet")
			return models.BackupState{}, nil
		}
		return models.BackupState{}, errors.Wrapf(err, "reading state file %s", path)
	}

	var st models.BackupState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return models.BackupState{}, errors.Wrapf(err, "parsing state file %s", path)
	}

	return st, nil
}

// Save writes the state of identity atomically (temp file + rename).
func (s *Impl) Save(identity string, st models.BackupState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating state directory %s", s.dir)
	}

	st.LastSnapshotAt = st.LastSnapshotAt.UTC()
	st.LastFullSnapshotAt = st.LastFullSnapshotAt.UTC()

	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}

	path := s.Path(identity)
	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		// Only present if the rename did not happen.
		if _, statErr := os.Stat(tmpName); statErr == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "renaming temp file")
	}

	s.logger.Debug().Str("file", path).Msg("backup state saved")
	return nil
}
