// Package retention evicts old archives from the output directory by count and by total size.
package retention

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/rs/zerolog"
)

// archivePattern matches names produced by the archive service:
// <identity>_YYYY-MM-DD_HH-MM-SS[_N].zip
var archivePattern = regexp.MustCompile(`^.+_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}(_\d+)?\.zip$`)

// IsArchiveName reports whether name follows the archive naming convention.
func IsArchiveName(name string) bool {
	return archivePattern.MatchString(name)
}

// Service defines the interface for retention operations.
type Service interface {
	List(outputDir string) ([]models.ArchiveDescriptor, error)
	TotalSize(outputDir string) (int64, error)
	EnforceCount(outputDir string, maxCount int) (*models.RetentionResult, error)
	EnforceSize(outputDir string, maxBytes int64) (*models.RetentionResult, error)
}

// Remover allows mocking file deletion in tests.
type Remover interface {
	Remove(path string) error
}

// DefaultRemover deletes files with os.Remove.
type DefaultRemover struct{}

// Remove deletes a single file.
func (DefaultRemover) Remove(path string) error {
	return os.Remove(path)
}

// Impl implements the retention Service interface.
type Impl struct {
	remover Remover
	logger  zerolog.Logger
}

// New creates a new retention service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		remover: DefaultRemover{},
		logger:  logger,
	}
}

// NewWithRemover creates a new retention service with a custom remover (for testing).
func NewWithRemover(logger zerolog.Logger, remover Remover) *Impl {
	return &Impl{
		remover: remover,
		logger:  logger,
	}
}

// List returns the archives directly inside outputDir, oldest first.
// Ties on modification time are broken by name so repeated passes agree.
// A missing directory yields an empty list.
func (s *Impl) List(outputDir string) ([]models.ArchiveDescriptor, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading output directory %s", outputDir)
	}

	archives := make([]models.ArchiveDescriptor, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsArchiveName(e.Name()) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			s.logger.Debug().Err(err).Str("file", e.Name()).Msg("skipping vanished archive")
			continue
		}

		archives = append(archives, models.ArchiveDescriptor{
			Path:       filepath.Join(outputDir, e.Name()),
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if archives[i].ModifiedAt.Equal(archives[j].ModifiedAt) {
			return archives[i].Name < archives[j].Name
		}
		return archives[i].ModifiedAt.Before(archives[j].ModifiedAt)
	})

	return archives, nil
}

// TotalSize returns the combined size of all archives in outputDir.
func (s *Impl) TotalSize(outputDir string) (int64, error) {
	archives, err := s.List(outputDir)
	if err != nil {
		return 0, err
	}
	return sumSizes(archives), nil
}

// EnforceCount deletes the oldest archives until fewer than maxCount remain,
// leaving room for the archive about to be written.
func (s *Impl) EnforceCount(outputDir string, maxCount int) (*models.RetentionResult, error) {
	archives, err := s.List(outputDir)
	if err != nil {
		return nil, err
	}

	result := &models.RetentionResult{
		Remaining:  len(archives),
		TotalBytes: sumSizes(archives),
	}

	if maxCount < 1 || len(archives) < maxCount {
		return result, nil
	}

	s.logger.Info().
		Int("archives", len(archives)).
		Int("max_archives", maxCount).
		Msg("applying archive count limit")

	for _, a := range archives {
		if result.Remaining < maxCount {
			break
		}
		if !s.remove(a, result) {
			continue
		}
		result.Remaining--
		result.TotalBytes -= a.SizeBytes
	}

	return result, nil
}

// EnforceSize deletes the oldest archives while their total size exceeds maxBytes.
// The last remaining archive is never deleted; CannotReclaim is set instead.
func (s *Impl) EnforceSize(outputDir string, maxBytes int64) (*models.RetentionResult, error) {
	archives, err := s.List(outputDir)
	if err != nil {
		return nil, err
	}

	result := &models.RetentionResult{
		Remaining:  len(archives),
		TotalBytes: sumSizes(archives),
	}

	if maxBytes <= 0 || result.TotalBytes <= maxBytes {
		return result, nil
	}

	s.logger.Info().
		Int64("total_bytes", result.TotalBytes).
		Int64("max_bytes", maxBytes).
		Msg("applying archive size limit")

	for _, a := range archives {
		if result.TotalBytes <= maxBytes || result.Remaining <= 1 {
			break
		}
		if !s.remove(a, result) {
			continue
		}
		result.Remaining--
		result.TotalBytes -= a.SizeBytes
	}

	if result.TotalBytes > maxBytes {
		result.CannotReclaim = true
		s.logger.Warn().
			Int64("total_bytes", result.TotalBytes).
			Int64("max_bytes", maxBytes).
			Int("remaining", result.Remaining).
			Msg("cannot delete old archives to save disk space")
	}

	return result, nil
}

// remove deletes one archive and records the outcome. A file that is already
// gone counts as deleted; any other failure is logged and the file is kept.
func (s *Impl) remove(a models.ArchiveDescriptor, result *models.RetentionResult) bool {
	err := s.remover.Remove(a.Path)
	switch {
	case err == nil:
		s.logger.Info().Str("file", a.Name).Msg("deleted old archive")
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug().Str("file", a.Name).Msg("archive already gone")
	default:
		s.logger.Warn().Err(err).Str("file", a.Name).Msg("failed to delete old archive")
		result.Failed = append(result.Failed, a.Path)
		return false
	}

	result.Deleted = append(result.Deleted, a.Path)
	return true
}

func sumSizes(archives []models.ArchiveDescriptor) int64 {
	var total int64
	for _, a := range archives {
		total += a.SizeBytes
	}
	return total
}
