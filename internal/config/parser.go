// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/sizeunit"
	"github.com/spf13/viper"
)

// Defaults applied when a key is absent.
const (
	DefaultOutputDir        = "simplebackups"
	DefaultCompressionLevel = -1
	DefaultInterval         = 120 * time.Minute
	DefaultFullInterval     = 525960 * time.Minute
	DefaultCheckInterval    = time.Minute
	DefaultMaxArchives      = 10
	DefaultMaxTotalSize     = "25 GB"
	DefaultStateDir         = ".worldsnap"
	DefaultQuiesceTimeout   = 30 * time.Second
	MaxArchivesLimit        = math.MaxInt16
)

// DefaultLockFiles are skipped during the walk unless configured otherwise.
var DefaultLockFiles = []string{"session.lock"}

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("source.lock_files", DefaultLockFiles)
	v.SetDefault("source.quiesce.timeout", DefaultQuiesceTimeout.String())
	v.SetDefault("output.dir", DefaultOutputDir)
	v.SetDefault("output.compression_level", DefaultCompressionLevel)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.mode", string(models.ModeFull))
	v.SetDefault("schedule.interval", DefaultInterval.String())
	v.SetDefault("schedule.full_interval", DefaultFullInterval.String())
	v.SetDefault("schedule.check_interval", DefaultCheckInterval.String())
	v.SetDefault("retention.max_archives", DefaultMaxArchives)
	v.SetDefault("retention.max_total_size", DefaultMaxTotalSize)
	v.SetDefault("state.dir", DefaultStateDir)
	v.SetDefault("notifications.enabled", true)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{}

	cfg.Source = models.SourceSettings{
		Path:      p.expandEnv(p.v.GetString("source.path")),
		Identity:  p.v.GetString("source.identity"),
		LockFiles: p.v.GetStringSlice("source.lock_files"),
		Quiesce: models.QuiesceSettings{
			PreCommand:  p.expandAll(p.v.GetStringSlice("source.quiesce.pre_command")),
			PostCommand: p.expandAll(p.v.GetStringSlice("source.quiesce.post_command")),
		},
	}
	if cfg.Source.Path == "" {
		return nil, fmt.Errorf("source.path is required")
	}
	if cfg.Source.Identity == "" {
		cfg.Source.Identity = filepath.Base(filepath.Clean(cfg.Source.Path))
	}

	var err error
	if cfg.Source.Quiesce.Timeout, err = p.duration("source.quiesce.timeout"); err != nil {
		return nil, err
	}

	cfg.Output = models.OutputSettings{
		Dir:              p.expandEnv(p.v.GetString("output.dir")),
		CompressionLevel: p.v.GetInt("output.compression_level"),
	}

	cfg.Schedule = models.ScheduleSettings{
		Enabled: p.v.GetBool("schedule.enabled"),
		Mode:    models.BackupMode(strings.ToLower(p.v.GetString("schedule.mode"))),
	}
	if cfg.Schedule.Interval, err = p.duration("schedule.interval"); err != nil {
		return nil, err
	}
	if cfg.Schedule.FullInterval, err = p.duration("schedule.full_interval"); err != nil {
		return nil, err
	}
	if cfg.Schedule.CheckInterval, err = p.duration("schedule.check_interval"); err != nil {
		return nil, err
	}

	cfg.Retention.MaxArchiveCount = p.v.GetInt("retention.max_archives")
	if cfg.Retention.MaxTotalBytes, err = sizeunit.ParseSize(p.v.GetString("retention.max_total_size")); err != nil {
		return nil, fmt.Errorf("retention.max_total_size: %w", err)
	}

	cfg.State = models.StateSettings{
		Dir: p.expandEnv(p.v.GetString("state.dir")),
	}

	cfg.Notifications.Enabled = p.v.GetBool("notifications.enabled")
	if p.v.IsSet("notifications.telegram") {
		cfg.Notifications.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("notifications.telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("notifications.telegram.chat_id")),
		}

		if cfg.Notifications.Telegram.BotToken == "" {
			return nil, fmt.Errorf("notifications.telegram.bot_token is required when telegram is configured")
		}
		if cfg.Notifications.Telegram.ChatID == "" {
			return nil, fmt.Errorf("notifications.telegram.chat_id is required when telegram is configured")
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// duration reads a Go duration string. Bare integers are minutes.
func (p *Parser) duration(key string) (time.Duration, error) {
	raw := strings.TrimSpace(p.v.GetString(key))
	if minutes, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(minutes) * time.Minute, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func (p *Parser) expandAll(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, p.expandEnv(a))
	}
	return out
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}

	if cfg.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}

	if abs(cfg.Output.Dir) == abs(cfg.Source.Path) {
		return fmt.Errorf("output.dir must not be the source directory")
	}

	if within(cfg.Output.Dir, cfg.Source.Path) {
		return fmt.Errorf("output.dir must not be inside the source directory")
	}

	if cfg.Output.CompressionLevel < -1 || cfg.Output.CompressionLevel > 9 {
		return fmt.Errorf("output.compression_level must be between -1 and 9")
	}

	if !cfg.Schedule.Mode.Valid() {
		return fmt.Errorf("schedule.mode must be one of: %s, %s, %s",
			models.ModeFull, models.ModeModifiedSinceLast, models.ModeModifiedSinceFull)
	}

	if cfg.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}

	if cfg.Schedule.FullInterval <= 0 {
		return fmt.Errorf("schedule.full_interval must be positive")
	}

	if cfg.Schedule.CheckInterval < time.Second {
		return fmt.Errorf("schedule.check_interval must be at least 1s")
	}

	if cfg.Retention.MaxArchiveCount < 1 || cfg.Retention.MaxArchiveCount > MaxArchivesLimit {
		return fmt.Errorf("retention.max_archives must be between 1 and %d", MaxArchivesLimit)
	}

	if cfg.Retention.MaxTotalBytes < 0 {
		return fmt.Errorf("retention.max_total_size must not be negative")
	}

	if cfg.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}

	return nil
}

// within reports whether path lies below dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(abs(dir), abs(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func abs(path string) string {
	a, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return a
}
