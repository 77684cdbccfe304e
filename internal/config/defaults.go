package config

const (
	defaultConfigPath            = "~/.config/qlbridge/config.toml"
	defaultStorageDir            = "~/.local/share/qlbridge"
	defaultLogDir                = "~/.local/share/qlbridge/logs"
	defaultCodeQLBinary          = "codeql"
	defaultCommandTimeoutSeconds = 300
	defaultFraming               = "header"
	defaultMaxFrameBytes         = 64 << 20
	defaultStartupGraceMillis    = 500
	defaultShutdownGraceSeconds  = 5
	defaultMaxRestarts           = 3
	defaultRestartWindowSeconds  = 300
	defaultMaxParallelQueries    = 4
	defaultResultsPageSize       = 100
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 14
)

var defaultEntities = []string{"url", "string"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StorageDir: defaultStorageDir,
			LogDir:     defaultLogDir,
		},
		CodeQL: CodeQL{
			Binary:                defaultCodeQLBinary,
			CommandTimeoutSeconds: defaultCommandTimeoutSeconds,
		},
		QueryServer: QueryServer{
			Framing:              defaultFraming,
			MaxFrameBytes:        defaultMaxFrameBytes,
			StartupGraceMillis:   defaultStartupGraceMillis,
			ShutdownGraceSeconds: defaultShutdownGraceSeconds,
			RestartOnFailure:     true,
			MaxRestarts:          defaultMaxRestarts,
			RestartWindowSeconds: defaultRestartWindowSeconds,
			MaxParallelQueries:   defaultMaxParallelQueries,
		},
		Results: Results{
			PageSize: defaultResultsPageSize,
			Entities: append([]string(nil), defaultEntities...),
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
