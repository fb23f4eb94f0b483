package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/loykin/svcwrap/internal/crashdump"
	"github.com/loykin/svcwrap/internal/logger"
	"github.com/loykin/svcwrap/internal/logwriter"
	"github.com/loykin/svcwrap/internal/proctree"
	"github.com/loykin/svcwrap/internal/supervisor"
)

var (
	ErrMissingExecutable = errors.New("process executable is required")
	ErrMissingName       = errors.New("service name is required")
	ErrBadWorkDir        = errors.New("working directory is not a directory")
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileConfig mirrors the TOML document.
type FileConfig struct {
	Service     ServiceSection     `mapstructure:"service"`
	Process     ProcessSection     `mapstructure:"process"`
	Logging     LoggingSection     `mapstructure:"logging"`
	Restart     RestartSection     `mapstructure:"restart"`
	CrashDump   CrashDumpSection   `mapstructure:"crash_dump"`
	HealthCheck HealthCheckSection `mapstructure:"health_check"`
	ServiceLog  ServiceLogSection  `mapstructure:"service_log"`
	Metrics     MetricsSection     `mapstructure:"metrics"`
	History     HistorySection     `mapstructure:"history"`
}

type ServiceSection struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	Description string `mapstructure:"description"`
}

type ProcessSection struct {
	Executable      string        `mapstructure:"executable"`
	Arguments       []string      `mapstructure:"arguments"`
	WorkingDir      string        `mapstructure:"working_directory"`
	Environment     []string      `mapstructure:"environment"`
	EnvFiles        []string      `mapstructure:"env_files"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	StopSignal      string        `mapstructure:"stop_signal"`
	PIDFile         string        `mapstructure:"pid_file"`
}

type LoggingSection struct {
	Dir           string        `mapstructure:"dir"`
	Mode          string        `mapstructure:"mode"`
	MaxSize       string        `mapstructure:"max_size"`
	KeepFiles     int           `mapstructure:"keep_files"`
	DatePattern   string        `mapstructure:"date_pattern"`
	RolloverTime  string        `mapstructure:"rollover_time"`
	Archive       bool          `mapstructure:"archive"`
	ArchiveAfter  time.Duration `mapstructure:"archive_after"`
	ArchiveBucket string        `mapstructure:"archive_bucket"`
	ArchiveDelay  time.Duration `mapstructure:"archive_delay"`
}

type RestartSection struct {
	Policy      string        `mapstructure:"policy"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
}

type CrashDumpSection struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	Type        string `mapstructure:"type"`
	IncludeHeap bool   `mapstructure:"include_heap"`
	Compress    bool   `mapstructure:"compress"`
	MaxCount    int    `mapstructure:"max_count"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// HealthCheckSection is accepted and carried but not acted on.
type HealthCheckSection struct {
	Enabled          bool          `mapstructure:"enabled"`
	Command          string        `mapstructure:"command"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type ServiceLogSection struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsSection struct {
	Listen string `mapstructure:"listen"`
}

type HistorySection struct {
	Sinks []string `mapstructure:"sinks"`
}

// ServiceSpec is the resolved, validated configuration of one wrapped service.
// Paths are absolute. It is not modified after Load returns.
type ServiceSpec struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string

	Executable      string
	Arguments       []string
	WorkingDir      string
	Environment     []string
	ShutdownTimeout time.Duration
	StopGrace       time.Duration
	StopSignal      os.Signal
	PIDFile         string

	LogDir    string
	LogPolicy logwriter.Policy
	Restart   supervisor.RestartConfig
	CrashDump crashdump.Config
	Health    HealthCheckSection
	Log       logger.Config

	MetricsListen string
	HistorySinks  []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("process.shutdown_timeout", supervisor.DefaultShutdownTimeout)
	v.SetDefault("process.stop_grace", proctree.DefaultStopGrace)
	v.SetDefault("process.stop_signal", "SIGTERM")

	v.SetDefault("logging.mode", string(logwriter.ModeAppend))
	v.SetDefault("logging.max_size", "10MB")
	v.SetDefault("logging.keep_files", logwriter.DefaultKeepFiles)
	v.SetDefault("logging.date_pattern", logwriter.DefaultDatePattern)
	v.SetDefault("logging.rollover_time", "00:00")
	v.SetDefault("logging.archive_bucket", logwriter.DefaultArchiveBucket)
	v.SetDefault("logging.archive_delay", logwriter.DefaultArchiveDelay)

	v.SetDefault("restart.policy", string(supervisor.OnFailure))
	v.SetDefault("restart.delay", supervisor.DefaultRestartDelay)
	v.SetDefault("restart.max_attempts", supervisor.DefaultMaxAttempts)
	v.SetDefault("restart.window", supervisor.DefaultWindow)

	v.SetDefault("crash_dump.type", string(crashdump.Minimal))
	v.SetDefault("crash_dump.max_count", crashdump.DefaultMaxCount)
	v.SetDefault("crash_dump.max_age_days", int(crashdump.DefaultMaxAge/(24*time.Hour)))

	v.SetDefault("service_log.level", "info")
	v.SetDefault("service_log.format", "text")
}

// Read parses a TOML file without resolving or validating it.
func Read(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &fc, nil
}

// Load reads, resolves and validates the configuration at path.
// Relative paths in the file are resolved against the file's directory.
func Load(path string) (*ServiceSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fc, err := Read(abs)
	if err != nil {
		return nil, err
	}
	spec, err := fc.Resolve(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	spec.ConfigPath = abs
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Resolve turns the decoded file into a ServiceSpec. baseDir anchors relative paths.
func (fc *FileConfig) Resolve(baseDir string) (*ServiceSpec, error) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	s := &ServiceSpec{
		Name:            strings.TrimSpace(fc.Service.Name),
		DisplayName:     fc.Service.DisplayName,
		Description:     fc.Service.Description,
		Executable:      strings.TrimSpace(fc.Process.Executable),
		Arguments:       fc.Process.Arguments,
		WorkingDir:      abs(fc.Process.WorkingDir),
		ShutdownTimeout: fc.Process.ShutdownTimeout,
		StopGrace:       fc.Process.StopGrace,
		PIDFile:         abs(fc.Process.PIDFile),
		Health:          fc.HealthCheck,
		MetricsListen:   strings.TrimSpace(fc.Metrics.Listen),
	}
	if s.DisplayName == "" {
		s.DisplayName = s.Name
	}
	for _, dsn := range fc.History.Sinks {
		dsn = strings.TrimSpace(dsn)
		if dsn != ":memory:" && !strings.Contains(dsn, "://") {
			dsn = abs(dsn) // bare sqlite path
		}
		s.HistorySinks = append(s.HistorySinks, dsn)
	}
	if s.WorkingDir == "" {
		s.WorkingDir = baseDir
	}

	sig, err := proctree.ParseSignal(fc.Process.StopSignal)
	if err != nil {
		return nil, err
	}
	s.StopSignal = sig

	env, err := mergeEnv(fc.Process.EnvFiles, fc.Process.Environment, abs)
	if err != nil {
		return nil, err
	}
	s.Environment = env

	s.LogDir = abs(fc.Logging.Dir)
	if s.LogDir == "" {
		s.LogDir = filepath.Join(s.WorkingDir, "logs")
	}
	if s.LogPolicy, err = fc.Logging.policy(); err != nil {
		return nil, err
	}

	policy, err := supervisor.ParsePolicy(fc.Restart.Policy)
	if err != nil {
		return nil, err
	}
	s.Restart = supervisor.RestartConfig{
		Policy:      policy,
		Delay:       fc.Restart.Delay,
		MaxAttempts: fc.Restart.MaxAttempts,
		Window:      fc.Restart.Window,
	}

	dt, err := crashdump.ParseDumpType(fc.CrashDump.Type)
	if err != nil {
		return nil, err
	}
	s.CrashDump = crashdump.Config{
		Enabled:     fc.CrashDump.Enabled,
		Dir:         abs(fc.CrashDump.Dir),
		Type:        dt,
		IncludeHeap: fc.CrashDump.IncludeHeap,
		Compress:    fc.CrashDump.Compress,
		MaxCount:    fc.CrashDump.MaxCount,
		MaxAge:      time.Duration(fc.CrashDump.MaxAgeDays) * 24 * time.Hour,
	}
	if s.CrashDump.Dir == "" {
		s.CrashDump.Dir = filepath.Join(s.LogDir, "dumps")
	}

	s.Log = logger.Config{
		Level:  fc.ServiceLog.Level,
		Format: fc.ServiceLog.Format,
		Color:  fc.ServiceLog.Color,
		File: logger.FileConfig{
			Path:       abs(fc.ServiceLog.File),
			MaxSizeMB:  fc.ServiceLog.MaxSizeMB,
			MaxBackups: fc.ServiceLog.MaxBackups,
			MaxAgeDays: fc.ServiceLog.MaxAgeDays,
			Compress:   fc.ServiceLog.Compress,
		},
	}
	return s, nil
}

func (l LoggingSection) policy() (logwriter.Policy, error) {
	p := logwriter.DefaultPolicy()
	mode, err := logwriter.ParseMode(l.Mode)
	if err != nil {
		return p, err
	}
	p.Mode = mode
	if l.MaxSize != "" {
		n, err := humanize.ParseBytes(l.MaxSize)
		if err != nil {
			return p, fmt.Errorf("invalid logging.max_size %q: %w", l.MaxSize, err)
		}
		p.MaxSize = int64(n)
	}
	p.KeepFiles = l.KeepFiles
	if l.DatePattern != "" {
		p.DatePattern = l.DatePattern
	}
	if p.RolloverHour, p.RolloverMinute, err = logwriter.ParseClock(l.RolloverTime); err != nil {
		return p, err
	}
	p.Archive = l.Archive
	p.ArchiveAfter = l.ArchiveAfter
	if l.ArchiveBucket != "" {
		p.ArchiveBucket = l.ArchiveBucket
	}
	p.ArchiveDelay = l.ArchiveDelay
	return p, nil
}

// Validate reports configuration that must stop the wrapper before any process starts.
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return ErrMissingName
	}
	if !nameRe.MatchString(s.Name) {
		return fmt.Errorf("service name %q must contain only letters, digits, '.', '_' or '-'", s.Name)
	}
	if s.Executable == "" {
		return ErrMissingExecutable
	}
	if fi, err := os.Stat(s.WorkingDir); err == nil && !fi.IsDir() {
		return fmt.Errorf("%w: %s", ErrBadWorkDir, s.WorkingDir)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("process.shutdown_timeout must be positive")
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("process.stop_grace must not be negative")
	}
	if err := s.LogPolicy.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if s.Restart.Policy != supervisor.Never {
		if s.Restart.MaxAttempts <= 0 {
			return fmt.Errorf("restart.max_attempts must be positive")
		}
		if s.Restart.Window <= 0 {
			return fmt.Errorf("restart.window must be positive")
		}
	}
	if s.Restart.Delay < 0 {
		return fmt.Errorf("restart.delay must not be negative")
	}
	if s.CrashDump.Enabled && (s.CrashDump.MaxCount <= 0 || s.CrashDump.MaxAge <= 0) {
		return fmt.Errorf("crash_dump.max_count and crash_dump.max_age_days must be positive")
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("service_log: %w", err)
	}
	return nil
}

// ProcessSpec returns the launch description for the process tree controller.
func (s *ServiceSpec) ProcessSpec() proctree.Spec {
	return proctree.Spec{
		Name:       s.Name,
		Executable: s.Executable,
		Args:       append([]string(nil), s.Arguments...),
		WorkDir:    s.WorkingDir,
		Env:        append([]string(nil), s.Environment...),
		StopSignal: s.StopSignal,
		StopGrace:  s.StopGrace,
		PIDFile:    s.PIDFile,
	}
}

// SupervisorOptions returns the supervisor options for this service.
func (s *ServiceSpec) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		Service:         s.Name,
		Process:         s.ProcessSpec(),
		Restart:         s.Restart,
		ShutdownTimeout: s.ShutdownTimeout,
	}
}

// mergeEnv layers env_files (in order) under the explicit environment list.
func mergeEnv(files, list []string, abs func(string) string) ([]string, error) {
	var out []string
	for _, p := range files {
		pairs, err := LoadEnvFile(abs(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	for _, kv := range list {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return nil, fmt.Errorf("invalid environment entry %q: want KEY=VALUE", kv)
		}
		out = append(out, kv)
	}
	return out, nil
}

// LoadEnvFile parses a .env file and returns "KEY=VALUE" entries in file order.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p[0]+"="+p[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with # are
// ignored; an "export " prefix and matching surrounding quotes are stripped.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}
