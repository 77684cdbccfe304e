package queryserver

import (
	"log/slog"
	"strconv"
	"time"

	"qlbridge/internal/config"
	"qlbridge/internal/jsonrpc"
)

const defaultStderrTailLines = 20

// Options configures a Client.
type Options struct {
	Binary            string
	Threads           int
	TimeoutSeconds    int
	MaxDiskCacheMB    int
	EvaluatorLogLevel int
	Debug             bool
	ExtraArgs         []string
	LogDir            string
	LogRetentionDays  int
	LockPath          string

	Framing       jsonrpc.Framing
	MaxFrameBytes int

	StartupGrace     time.Duration
	ShutdownGrace    time.Duration
	RestartOnFailure bool
	MaxRestarts      int
	RestartWindow    time.Duration
	// RestartTimeout bounds an automatic restart, including re-registering
	// databases with the new server.
	RestartTimeout time.Duration

	Logger   *slog.Logger
	Observer jsonrpc.Observer
	// OnRestart runs after a crashed server has been replaced.
	OnRestart func()
}

// OptionsFromConfig maps the [codeql] and [query_server] sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	qs := cfg.QueryServer
	framing, err := jsonrpc.ParseFraming(qs.Framing)
	if err != nil {
		framing = jsonrpc.FramingHeader
	}
	return Options{
		Binary:            cfg.CodeQL.Binary,
		Threads:           qs.Threads,
		TimeoutSeconds:    qs.TimeoutSeconds,
		MaxDiskCacheMB:    qs.MaxDiskCacheMB,
		EvaluatorLogLevel: qs.EvaluatorLogLevel,
		Debug:             qs.Debug,
		ExtraArgs:         append([]string(nil), qs.ExtraArgs...),
		LogDir:            cfg.ServerLogDir(),
		LogRetentionDays:  cfg.Logging.RetentionDays,
		LockPath:          cfg.LockPath(),
		Framing:           framing,
		MaxFrameBytes:     qs.MaxFrameBytes,
		StartupGrace:      cfg.StartupGrace(),
		ShutdownGrace:     cfg.ShutdownGrace(),
		RestartOnFailure:  qs.RestartOnFailure,
		MaxRestarts:       qs.MaxRestarts,
		RestartWindow:     cfg.RestartWindow(),
	}
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = "codeql"
	}
	if o.Framing == "" {
		o.Framing = jsonrpc.FramingHeader
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = 500 * time.Millisecond
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 5 * time.Minute
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = time.Minute
	}
	return o
}

// Args returns the query-server2 command line, excluding the binary.
func (o Options) Args() []string {
	args := []string{
		"execution", "query-server2",
		"--threads=" + strconv.Itoa(o.Threads),
		"--require-db-registration",
	}
	if o.TimeoutSeconds > 0 {
		args = append(args, "--timeout="+strconv.Itoa(o.TimeoutSeconds))
	}
	if o.MaxDiskCacheMB > 0 {
		args = append(args, "--max-disk-cache="+strconv.Itoa(o.MaxDiskCacheMB))
	}
	if o.LogDir != "" {
		args = append(args, "--logdir="+o.LogDir)
	}
	if o.EvaluatorLogLevel > 0 {
		args = append(args, "--evaluator-log-level="+strconv.Itoa(o.EvaluatorLogLevel))
	}
	if o.Debug {
		args = append(args, "--debug", "--tuple-counting")
	}
	return append(args, o.ExtraArgs...)
}
