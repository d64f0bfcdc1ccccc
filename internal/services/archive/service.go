// Package archive writes a source tree into a single timestamped ZIP archive.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// TimestampLayout sorts lexicographically in chronological order.
const TimestampLayout = "2006-01-02_15-04-05"

// maxNameAttempts bounds the collision suffix search.
const maxNameAttempts = 1000

// Sentinel errors for archive builds.
var (
	// ErrSourceUnavailable indicates the source root is missing or not a directory.
	ErrSourceUnavailable = errors.New("source tree unavailable")

	// ErrOutputDir indicates the output directory could not be created.
	ErrOutputDir = errors.New("output directory unavailable")
)

// BuildRequest describes one archive to write.
type BuildRequest struct {
	SourceRoot       string
	Identity         string
	OutputDir        string
	Plan             models.SnapshotPlan
	CompressionLevel int
	SkipNames        []string // base names never archived, e.g. session.lock
	Time             time.Time
}

// Service defines the interface for archive operations.
type Service interface {
	Build(ctx context.Context, req BuildRequest) (*models.BuildResult, error)
}

// WritableFile is the destination of an archive stream.
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// FileCreator allows mocking archive file creation in tests.
type FileCreator interface {
	Create(path string) (WritableFile, error)
}

// DefaultFileCreator creates files on the local filesystem.
type DefaultFileCreator struct{}

// Create opens a new file for writing. It fails if the file already exists.
func (DefaultFileCreator) Create(path string) (WritableFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // path is built from config
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Impl implements the archive Service interface.
type Impl struct {
	files  FileCreator
	logger zerolog.Logger
}

// New creates a new archive service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		files:  DefaultFileCreator{},
		logger: logger,
	}
}

// NewWithFileCreator creates a new archive service with a custom file creator (for testing).
func NewWithFileCreator(logger zerolog.Logger, files FileCreator) *Impl {
	return &Impl{
		files:  files,
		logger: logger,
	}
}

// BaseName returns the archive name without collision suffix or extension.
// The timestamp is always UTC so names keep sorting across DST changes.
func BaseName(identity string, t time.Time) string {
	clean := strings.NewReplacer("/", "_", "\\", "_").Replace(identity)
	return clean + "_" + t.UTC().Format(TimestampLayout)
}

// Build walks req.SourceRoot and streams every selected file into a new archive.
// The caller must hold the source owner's quiescence token for the whole call.
// On any error no archive is left behind.
func (s *Impl) Build(ctx context.Context, req BuildRequest) (*models.BuildResult, error) {
	start := time.Now()

	root, err := filepath.Abs(req.SourceRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving source root %s", req.SourceRoot)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "stat source root %s", root), ErrSourceUnavailable)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s is not a directory", root)
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating output directory %s", req.OutputDir), ErrOutputDir)
	}

	name, err := availableName(req.OutputDir, BaseName(req.Identity, req.Time))
	if err != nil {
		return nil, err
	}
	finalPath := filepath.Join(req.OutputDir, name)
	partialPath := filepath.Join(req.OutputDir, "."+name+".partial")

	s.logger.Info().
		Str("source", root).
		Str("archive", finalPath).
		Bool("full", req.Plan.IsFull).
		Int("compression_level", req.CompressionLevel).
		Msg("writing archive")

	f, err := s.files.Create(partialPath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating archive %s", partialPath)
	}

	result := &models.BuildResult{}
	if err := s.writeArchive(ctx, f, root, req, result); err != nil {
		s.discard(partialPath)
		return nil, err
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		s.discard(partialPath)
		return nil, errors.Wrapf(err, "finalizing archive %s", finalPath)
	}

	st, err := os.Stat(finalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat archive %s", finalPath)
	}

	result.Path = finalPath
	result.SizeBytes = st.Size()
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("archive", finalPath).
		Int64("size", result.SizeBytes).
		Int("files", result.FilesWritten).
		Int("skipped", result.FilesSkipped).
		Dur("duration", result.Duration).
		Msg("archive written")

	return result, nil
}

// writeArchive streams the walk into f. The zip writer and f are each closed
// exactly once; a close error after a failed walk is attached to the walk
// error as secondary so it never masks the cause.
func (s *Impl) writeArchive(ctx context.Context, f WritableFile, root string, req BuildRequest, result *models.BuildResult) error {
	zw := zip.NewWriter(f)

	method := zip.Deflate
	if req.CompressionLevel == 0 {
		method = zip.Store
	} else {
		level := req.CompressionLevel
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	err := s.walk(ctx, zw, root, req, method, result)

	if closeErr := zw.Close(); closeErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(closeErr, "closing archive writer"))
	}
	if err == nil {
		if syncErr := f.Sync(); syncErr != nil {
			err = errors.Wrap(syncErr, "syncing archive")
		}
	}
	if closeErr := f.Close(); closeErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(closeErr, "closing archive file"))
	}

	return err
}

func (s *Impl) walk(ctx context.Context, zw *zip.Writer, root string, req BuildRequest, method uint16, result *models.BuildResult) error {
	prefix := filepath.Base(root)
	outDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return errors.Wrapf(err, "resolving output directory %s", req.OutputDir)
	}

	skip := make(map[string]struct{}, len(req.SkipNames))
	for _, n := range req.SkipNames {
		skip[n] = struct{}{}
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %s", path)
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "archive interrupted")
		}

		// Archives written into the tree never end up in later archives.
		if d.IsDir() && path == outDir && path != root {
			return fs.SkipDir
		}

		// Directories and links are implied by file entries.
		if !d.Type().IsRegular() {
			return nil
		}

		if _, ok := skip[d.Name()]; ok {
			result.FilesSkipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "stat %s", path)
		}
		if !req.Plan.Includes(info.ModTime()) {
			result.FilesSkipped++
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrapf(err, "relativizing %s", path)
		}
		entry := prefix + "/" + filepath.ToSlash(rel)

		if err := addFile(zw, path, entry, info, method); err != nil {
			return err
		}
		result.FilesWritten++
		return nil
	})
}

func addFile(zw *zip.Writer, path, entry string, info fs.FileInfo, method uint16) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrapf(err, "building header for %s", path)
	}
	hdr.Name = entry
	hdr.Method = method

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrapf(err, "adding entry %s", entry)
	}

	src, err := os.Open(path) //nolint:gosec // path comes from walking the source root
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer func() { _ = src.Close() }()

	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrapf(err, "writing entry %s", entry)
	}
	return nil
}

// discard removes a partially written archive.
func (s *Impl) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error().Err(err).Str("file", path).Msg("failed to remove partial archive")
		return
	}
	s.logger.Debug().Str("file", path).Msg("removed partial archive")
}

// availableName returns base.zip, or base_N.zip for the smallest N that is free.
func availableName(dir, base string) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ".zip"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.zip", base, i)
		}

		free := true
		for _, candidate := range []string{name, "." + name + ".partial"} {
			_, err := os.Lstat(filepath.Join(dir, candidate))
			switch {
			case errors.Is(err, fs.ErrNotExist):
			case err != nil:
				return "", errors.Wrapf(err, "checking archive name %s", candidate)
			default:
				free = false
			}
		}
		if free {
			return name, nil
		}
	}
	return "", errors.Newf("no free archive name for %s after %d attempts", base, maxNameAttempts)
}
