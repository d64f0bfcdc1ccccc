package runner

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/sizeunit"
)

// Describe renders a one-run summary for terminal output.
func Describe(result *models.RunResult) string {
	if result == nil {
		return "no run"
	}
	if result.Skipped {
		return "skipped: " + result.SkipReason
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s snapshot", result.Plan.Kind())
	if result.Archive == nil {
		b.WriteString(" failed")
		return b.String()
	}

	fmt.Fprintf(&b, " finished in %s\n", sizeunit.FormatDuration(result.Duration))
	fmt.Fprintf(&b, "  archive:  %s (%s, %d files)\n",
		filepath.Base(result.Archive.Path),
		sizeunit.FormatSize(result.Archive.SizeBytes),
		result.Archive.FilesWritten)
	fmt.Fprintf(&b, "  output:   %s\n", sizeunit.FormatSize(result.TotalBytes))

	deleted := 0
	for _, pass := range []*models.RetentionResult{result.CountPass, result.SizePass} {
		if pass != nil {
			deleted += len(pass.Deleted)
		}
	}
	if deleted > 0 {
		fmt.Fprintf(&b, "  removed:  %d old archive(s)\n", deleted)
	}
	if result.SizePass != nil && result.SizePass.CannotReclaim {
		fmt.Fprintf(&b, "  warning:  %s\n", WarnCannotReclaim)
	}

	return strings.TrimRight(b.String(), "\n")
}
