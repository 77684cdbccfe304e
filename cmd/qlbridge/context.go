package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"qlbridge/internal/bqrs"
	"qlbridge/internal/codeql"
	"qlbridge/internal/config"
	"qlbridge/internal/history"
	"qlbridge/internal/logging"
	"qlbridge/internal/metrics"
	"qlbridge/internal/preflight"
	"qlbridge/internal/queryserver"
	"qlbridge/internal/services"
)

const cliComponent = "cli"

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	sessionID    string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
		sessionID:    uuid.NewString(),
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = services.Wrap(services.ErrConfiguration, cliComponent, "load config", "", err)
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = services.Wrap(services.ErrConfiguration, cliComponent, "ensure directories", "", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, err := logging.NewFromConfig(cfg, c.sessionID)
		if err != nil {
			c.loggerErr = services.Wrap(services.ErrConfiguration, cliComponent, "init logging", "", err)
			return
		}
		c.logger = logger
	})
	return c.logger, c.loggerErr
}

// withStore opens the history database for the duration of fn.
func (c *commandContext) withStore(fn func(*history.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(cfg, history.WithSessionID(c.sessionID))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (c *commandContext) codeqlClient(logger *slog.Logger) *codeql.Client {
	return codeql.NewFromConfig(c.config, codeql.WithLogger(logger))
}

// decoder builds a result decoder; rows overrides results.page_size when
// positive.
func (c *commandContext) decoder(logger *slog.Logger, rows int) *bqrs.Decoder {
	pageSize := c.config.Results.PageSize
	if rows > 0 {
		pageSize = rows
	}
	return bqrs.NewDecoder(c.codeqlClient(logger), pageSize, c.config.Results.Entities, logger)
}

// withServer starts a query server, runs fn, and stops the server whatever
// fn returns. collector may be nil.
func (c *commandContext) withServer(cmd *cobra.Command, collector *metrics.Collector, fn func(context.Context, *queryserver.Client, *slog.Logger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	if err := requireSystemDeps(cfg); err != nil {
		return err
	}

	opts := queryserver.OptionsFromConfig(cfg)
	opts.Logger = logger
	if collector != nil {
		opts.Observer = collector
		opts.OnRestart = collector.RestartRecorded
	}
	client := queryserver.New(opts)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace()*2)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			logger.Warn("query server stop failed", logging.Error(err))
		}
	}()
	return fn(ctx, client, logger)
}

func requireSystemDeps(cfg *config.Config) error {
	for _, status := range preflight.CheckSystemDeps(cfg) {
		if status.Available || status.Optional {
			continue
		}
		marker := services.ErrConfiguration
		return services.Wrap(marker, cliComponent, "preflight", fmt.Sprintf("%s unavailable: %s", status.Name, status.Detail), nil)
	}
	return nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
