// Package sizeunit parses and formats human-readable byte sizes and run durations.
package sizeunit

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseSize parses sizes such as "25 GB", "512MiB" or "0".
// Decimal units (KB, MB, GB, TB) are powers of 1000; binary units (KiB, MiB, …) powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", s)
	}

	return int64(n), nil
}

// FormatSize formats a byte count, e.g. 25000000000 -> "25 GB".
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// FormatDuration renders a run duration the way players are used to reading it:
// "4.250s" below a minute, "03:07min" below an hour, "01:30h" above.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	switch {
	case d < time.Minute:
		ms := d.Milliseconds()
		return fmt.Sprintf("%d.%03ds", ms/1000, ms%1000)
	case d < time.Hour:
		secs := int64(d / time.Second)
		return fmt.Sprintf("%02d:%02dmin", secs/60, secs%60)
	default:
		mins := int64(d / time.Minute)
		return fmt.Sprintf("%02d:%02dh", mins/60, mins%60)
	}
}
