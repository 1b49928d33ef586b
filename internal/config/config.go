// Package config provides YAML configuration parsing and validation for the
// triage core daemon. Configuration is loaded from a YAML file specified via
// the --config flag and governs the fuzzer context's thresholds, the
// valuation side-channel, and the dashboard transport.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Schedule
// ---------------------------------------------------------------------------

// Schedule names the scheduling policy that decides whether save-if-interesting
// tracks a frequency-weighted n_fuzz counter (spec §4.E step 1).
type Schedule string

const (
	ScheduleExplore Schedule = "explore"
	ScheduleFast    Schedule = "fast"
	ScheduleCoe     Schedule = "coe"
	ScheduleLin     Schedule = "lin"
	ScheduleQuad    Schedule = "quad"
	ScheduleRare    Schedule = "rare"
)

var validSchedules = map[Schedule]struct{}{
	ScheduleExplore: {}, ScheduleFast: {}, ScheduleCoe: {},
	ScheduleLin: {}, ScheduleQuad: {}, ScheduleRare: {},
}

// fastSchedules is the subset of Schedule values that make save-if-interesting
// maintain the n_fuzz saturating-counter table (spec §4.E step 1): every
// schedule except "explore".
var fastSchedules = map[Schedule]struct{}{
	ScheduleFast: {}, ScheduleCoe: {}, ScheduleLin: {}, ScheduleQuad: {}, ScheduleRare: {},
}

// IsFrequencyWeighted reports whether s requires the n_fuzz table.
func (s Schedule) IsFrequencyWeighted() bool {
	_, ok := fastSchedules[s]
	return ok
}

// UnmarshalYAML implements yaml.Unmarshaler so schedule values are
// case-normalised and validated at parse time.
func (s *Schedule) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	normalised := Schedule(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validSchedules[normalised]; !ok {
		return fmt.Errorf("invalid schedule %q: must be one of explore, fast, coe, lin, quad, rare", raw)
	}
	*s = normalised
	return nil
}

// ---------------------------------------------------------------------------
// TLS
// ---------------------------------------------------------------------------

// TLSConfig holds the mTLS certificate material paths for the dashboard
// transport.
type TLSConfig struct {
	// CACert is the path to the dashboard's CA certificate (PEM).
	CACert string `yaml:"ca_cert"`
	// ClientCert is the path to this daemon's client certificate (PEM).
	ClientCert string `yaml:"client_cert"`
	// ClientKey is the path to this daemon's private key (PEM, mode 0600).
	ClientKey string `yaml:"client_key"`
}

// ---------------------------------------------------------------------------
// Dashboard
// ---------------------------------------------------------------------------

// DashboardConfig configures the gRPC stream that forwards TriageEvents to
// the patch-synthesis collaborator and live dashboard.
type DashboardConfig struct {
	// Endpoint is the gRPC server address in "host:port" form.
	Endpoint string `yaml:"endpoint"`
	// TLS holds the mTLS credential file paths.
	TLS TLSConfig `yaml:"tls"`
	// ReconnectDelay is parsed and validated but not read by triaged: the
	// transport's first reconnection wait is a fixed 1s, doubling on each
	// attempt up to ReconnectMaxDelay.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// ReconnectMaxDelay is the upper bound for exponential backoff.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	// DialTimeout is parsed and validated but not read by triaged; the
	// transport does not apply it to its dial or Register calls.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

// TimeoutsConfig mirrors the original's exec_tmout/hang_tmout pair (spec §1,
// §4.E TMOUT branch). Its fields are defaulted and validated here but are
// not read by triaged.
type TimeoutsConfig struct {
	// ExecTmout is the per-execution timeout of normal fuzzing.
	ExecTmout time.Duration `yaml:"exec_tmout"`
	// HangTmout is the more generous timeout for re-running a testcase that
	// already timed out once. The pipeline's re-run uses each Submit
	// request's hang_tmout_ms instead.
	HangTmout time.Duration `yaml:"hang_tmout"`
	// ValuationTimeout names a bound for the valuation subprocess; the
	// valuation runner uses its own fixed 10s timeout instead.
	ValuationTimeout time.Duration `yaml:"valuation_timeout"`
}

// ---------------------------------------------------------------------------
// Queue / thresholds
// ---------------------------------------------------------------------------

// QueueConfig controls the SQLite-backed queue store and the keep-unique
// thresholds named in spec §4.E.
type QueueConfig struct {
	// Path is the filesystem location of the SQLite database file.
	Path string `yaml:"path"`
	// KeepUniqueHang caps the number of distinct hangs saved; 0 = unlimited.
	KeepUniqueHang uint64 `yaml:"keep_unique_hang"`
	// KeepUniqueCrash caps the number of distinct crashes saved; 0 = unlimited.
	KeepUniqueCrash uint64 `yaml:"keep_unique_crash"`
	// KeepTimeouts mirrors AFL_KEEP_TIMEOUTS: save repeat timeouts to the
	// queue instead of discarding them.
	KeepTimeouts bool `yaml:"keep_timeouts"`
	// NoCrashReadme mirrors AFL_NO_CRASH_README.
	NoCrashReadme bool `yaml:"no_crash_readme"`
}

// ---------------------------------------------------------------------------
// Valuation
// ---------------------------------------------------------------------------

// ValuationConfig configures the value-profiling side channel (spec §2).
type ValuationConfig struct {
	// Executable is the instrumented valuation binary's path. When set, it
	// and CovDir overwrite PACFIX_VAL_EXE/PACFIX_COV_DIR; when empty, the
	// side channel runs only if both variables are already set in the
	// environment.
	Executable string `yaml:"executable"`
	// CovDir is the scratch directory valuation side-files are written to
	// before being archived or discarded.
	CovDir string `yaml:"cov_dir"`
}

// ---------------------------------------------------------------------------
// Forkserver bridge
// ---------------------------------------------------------------------------

// ForkserverConfig configures the two Unix-domain-socket gRPC links between
// triaged and the external forkserver process (spec §4.E's TMOUT branch and
// save-if-interesting entry point): triaged listens on SubmitListenSocket
// for the forkserver's completed-execution reports, and optionally dials
// ReRunDialSocket to confirm candidate hangs at hang_tmout.
type ForkserverConfig struct {
	// SubmitListenSocket is the Unix socket path triaged listens on for the
	// forkserver's Submit calls. Required: without it nothing can ever
	// invoke the save-if-interesting pipeline.
	SubmitListenSocket string `yaml:"submit_listen_socket"`
	// ReRunDialSocket is the Unix socket path triaged dials to reach the
	// forkserver's ReRun method. Empty disables the hang_tmout re-run step;
	// saveTimeout then falls back to saving any novel timeout directly.
	ReRunDialSocket string `yaml:"rerun_dial_socket"`
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditConfig controls the append-only SHA-256 chained audit log that
// records every kept save decision of the triage pipeline (new queue entry,
// crash, hang); dropped runs are not recorded.
type AuditConfig struct {
	// Path is the filesystem location of the audit log file.
	Path string `yaml:"path"`
	// MaxSizeBytes is validated (must be >= 0) but not read by the audit
	// logger: no size warning is emitted. The log is never automatically
	// truncated.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LogLevel specifies the minimum level of messages emitted by the daemon's
// structured logger (log/slog).
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {}, LogLevelInfo: {}, LogLevelWarn: {}, LogLevelError: {},
}

// LogFormat controls the output encoding of the logger.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var validLogFormats = map[LogFormat]struct{}{
	LogFormatJSON: {}, LogFormatText: {},
}

// LoggingConfig controls the daemon's structured logger.
type LoggingConfig struct {
	// Level is the minimum log level. Defaults to "info".
	Level LogLevel `yaml:"level"`
	// Format is "json" or "text". Defaults to "json". It is validated but
	// not read: triaged always logs JSON.
	Format LogFormat `yaml:"format"`
	// FilePath is parsed but not read: triaged logs to stderr only.
	FilePath string `yaml:"file_path"`
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HealthConfig controls the /healthz HTTP endpoint exposed alongside the
// Prometheus-style metrics handler.
type HealthConfig struct {
	// Enabled controls whether the /healthz endpoint is served.
	Enabled bool `yaml:"enabled"`
	// Address is the listen address in "host:port" form.
	// Defaults to "127.0.0.1:9090".
	Address string `yaml:"address"`
}

// ---------------------------------------------------------------------------
// Core (top-level)
// ---------------------------------------------------------------------------

// CoreConfig is the root configuration for the triage core daemon. It is
// populated by parsing a YAML file with ParseFile.
type CoreConfig struct {
	// MapSize is the number of bytes in the coverage bitmap (power of two,
	// spec §1). Must match the target's instrumentation.
	MapSize int `yaml:"map_size"`
	// OutDir is the fuzzer output directory: queue/, crashes/, hangs/.
	OutDir string `yaml:"out_dir"`
	// Directed records directed-mode scheduling. triaged only logs it; the
	// pipeline's n_fuzz step (spec §4.E step 1) follows each Submit
	// request's own directed flag.
	Directed bool `yaml:"directed"`
	// Schedule names the scheduling policy. It is defaulted and validated
	// but not read by triaged; the n_fuzz step follows each Submit request's
	// fast_schedule flag.
	Schedule Schedule `yaml:"schedule"`

	// Dashboard holds connection settings for the gRPC TriageEvent stream.
	Dashboard DashboardConfig `yaml:"dashboard"`

	// Timeouts configures exec/hang/valuation timeouts.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Queue configures the SQLite queue store and keep-unique thresholds.
	Queue QueueConfig `yaml:"queue"`

	// Valuation configures the value-profiling side channel.
	Valuation ValuationConfig `yaml:"valuation"`

	// Forkserver configures the Unix-socket gRPC bridge to the external
	// forkserver process.
	Forkserver ForkserverConfig `yaml:"forkserver"`

	// Audit configures the SHA-256 chained audit log.
	Audit AuditConfig `yaml:"audit"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Health configures the /healthz HTTP endpoint.
	Health HealthConfig `yaml:"health"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in omitted fields with sensible production values.
// It is called by ParseFile before validation so that validation can rely on
// defaults being present.
func applyDefaults(cfg *CoreConfig) {
	if cfg.MapSize == 0 {
		cfg.MapSize = 1 << 16
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "/var/lib/triagecore/out"
	}
	if cfg.Schedule == "" {
		cfg.Schedule = ScheduleExplore
	}

	if cfg.Dashboard.ReconnectDelay == 0 {
		cfg.Dashboard.ReconnectDelay = 5 * time.Second
	}
	if cfg.Dashboard.ReconnectMaxDelay == 0 {
		cfg.Dashboard.ReconnectMaxDelay = 5 * time.Minute
	}
	if cfg.Dashboard.DialTimeout == 0 {
		cfg.Dashboard.DialTimeout = 30 * time.Second
	}

	if cfg.Timeouts.ExecTmout == 0 {
		cfg.Timeouts.ExecTmout = 1 * time.Second
	}
	if cfg.Timeouts.HangTmout == 0 {
		cfg.Timeouts.HangTmout = 10 * cfg.Timeouts.ExecTmout
	}
	if cfg.Timeouts.ValuationTimeout == 0 {
		cfg.Timeouts.ValuationTimeout = 10 * time.Second
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "/var/lib/triagecore/queue.db"
	}

	if cfg.Forkserver.SubmitListenSocket == "" {
		cfg.Forkserver.SubmitListenSocket = "/var/lib/triagecore/forkserver-submit.sock"
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "/var/log/triagecore/audit.log"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}

	if cfg.Health.Address == "" {
		cfg.Health.Address = "127.0.0.1:9090"
	}
}

// ---------------------------------------------------------------------------
// ParseFile
// ---------------------------------------------------------------------------

// ParseFile reads the YAML file at path, applies defaults, and validates the
// resulting configuration. It returns the validated CoreConfig or an error
// that describes every validation failure (not just the first one).
func ParseFile(path string) (*CoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the configuration.
// Callers who already have the YAML in memory (e.g. tests) should use this
// function directly.
func Parse(data []byte) (*CoreConfig, error) {
	var cfg CoreConfig
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true) // reject unrecognised YAML keys
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// Validate checks cfg for semantic errors and returns all of them at once so
// operators can see and fix every problem in a single run. An empty slice
// means the configuration is valid.
func Validate(cfg *CoreConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.MapSize <= 0 || cfg.MapSize&(cfg.MapSize-1) != 0 {
		add("map_size %d must be a positive power of two", cfg.MapSize)
	}
	if cfg.OutDir == "" {
		add("out_dir must not be empty")
	}
	if _, ok := validSchedules[cfg.Schedule]; !ok {
		add("schedule %q is invalid; must be one of explore, fast, coe, lin, quad, rare", cfg.Schedule)
	}

	if cfg.Dashboard.Endpoint != "" {
		if _, _, err := net.SplitHostPort(cfg.Dashboard.Endpoint); err != nil {
			add("dashboard.endpoint %q is not a valid host:port address: %v",
				cfg.Dashboard.Endpoint, err)
		}
		if cfg.Dashboard.TLS.CACert == "" {
			add("dashboard.tls.ca_cert must not be empty when dashboard.endpoint is set")
		} else if err := checkFileReadable(cfg.Dashboard.TLS.CACert); err != nil {
			add("dashboard.tls.ca_cert: %v", err)
		}
		if cfg.Dashboard.TLS.ClientCert == "" {
			add("dashboard.tls.client_cert must not be empty when dashboard.endpoint is set")
		} else if err := checkFileReadable(cfg.Dashboard.TLS.ClientCert); err != nil {
			add("dashboard.tls.client_cert: %v", err)
		}
		if cfg.Dashboard.TLS.ClientKey == "" {
			add("dashboard.tls.client_key must not be empty when dashboard.endpoint is set")
		} else if err := checkFileReadable(cfg.Dashboard.TLS.ClientKey); err != nil {
			add("dashboard.tls.client_key: %v", err)
		}
	}
	if cfg.Dashboard.ReconnectDelay <= 0 {
		add("dashboard.reconnect_delay must be positive")
	}
	if cfg.Dashboard.ReconnectMaxDelay < cfg.Dashboard.ReconnectDelay {
		add("dashboard.reconnect_max_delay (%v) must be >= reconnect_delay (%v)",
			cfg.Dashboard.ReconnectMaxDelay, cfg.Dashboard.ReconnectDelay)
	}
	if cfg.Dashboard.DialTimeout <= 0 {
		add("dashboard.dial_timeout must be positive")
	}

	if cfg.Timeouts.ExecTmout <= 0 {
		add("timeouts.exec_tmout must be positive")
	}
	if cfg.Timeouts.HangTmout < cfg.Timeouts.ExecTmout {
		add("timeouts.hang_tmout (%v) must be >= exec_tmout (%v)",
			cfg.Timeouts.HangTmout, cfg.Timeouts.ExecTmout)
	}
	if cfg.Timeouts.ValuationTimeout <= 0 {
		add("timeouts.valuation_timeout must be positive")
	}

	if cfg.Queue.Path == "" {
		add("queue.path must not be empty")
	}

	if (cfg.Valuation.Executable == "") != (cfg.Valuation.CovDir == "") {
		add("valuation.executable and valuation.cov_dir must both be set or both be empty")
	}
	if cfg.Valuation.Executable != "" {
		if err := checkFileReadable(cfg.Valuation.Executable); err != nil {
			add("valuation.executable: %v", err)
		}
	}

	if cfg.Forkserver.SubmitListenSocket == "" {
		add("forkserver.submit_listen_socket must not be empty")
	}

	if cfg.Audit.Path == "" {
		add("audit.path must not be empty")
	}
	if cfg.Audit.MaxSizeBytes < 0 {
		add("audit.max_size_bytes must be >= 0 (use 0 for unlimited)")
	}

	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		add("logging.level %q is invalid; must be one of debug, info, warn, error",
			cfg.Logging.Level)
	}
	if _, ok := validLogFormats[cfg.Logging.Format]; !ok {
		add("logging.format %q is invalid; must be one of json, text",
			cfg.Logging.Format)
	}

	if cfg.Health.Enabled {
		if cfg.Health.Address == "" {
			add("health.address must not be empty when health endpoint is enabled")
		} else if _, _, err := net.SplitHostPort(cfg.Health.Address); err != nil {
			add("health.address %q is not a valid host:port address: %v",
				cfg.Health.Address, err)
		}
	}

	return errs
}

// checkFileReadable returns an error if path does not exist or is not
// readable. It does not validate the file's content.
func checkFileReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	f.Close()
	return nil
}
