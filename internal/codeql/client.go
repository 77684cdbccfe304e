package codeql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"qlbridge/internal/config"
	"qlbridge/internal/logging"
	"qlbridge/internal/services"
)

const (
	component      = "codeql"
	defaultTimeout = 5 * time.Minute
)

// Client runs codeql subcommands with a per-command timeout.
type Client struct {
	binary  string
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithExecutor swaps the command executor, typically for tests.
func WithExecutor(e Executor) Option {
	return func(c *Client) {
		if e != nil {
			c.exec = e
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, component)
	}
}

// New returns a client for binary. A non-positive timeout uses five minutes.
func New(binary string, timeout time.Duration, opts ...Option) *Client {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "codeql"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		binary:  binary,
		timeout: timeout,
		exec:    execExecutor{},
		logger:  logging.NewComponentLogger(nil, component),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the [codeql] section.
func NewFromConfig(cfg *config.Config, opts ...Option) *Client {
	return New(cfg.CodeQL.Binary, cfg.CommandTimeout(), opts...)
}

// Binary returns the configured launcher.
func (c *Client) Binary() string { return c.binary }

// VersionInfo is the subset of `codeql version --format=json` qlbridge uses.
type VersionInfo struct {
	ProductName      string          `json:"productName"`
	Version          string          `json:"version"`
	SHA              string          `json:"sha"`
	UnpackedLocation string          `json:"unpackedLocation"`
	Features         map[string]bool `json:"features"`
}

// Version reports the CLI version.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	if err := c.runJSON(ctx, "version", &info, "version", "--format=json"); err != nil {
		return VersionInfo{}, err
	}
	if info.Version == "" {
		return VersionInfo{}, services.Wrap(services.ErrExternalTool, component, "version", "empty version in output", nil)
	}
	return info, nil
}

// DatabaseInfo is the subset of `codeql resolve database` output qlbridge uses.
type DatabaseInfo struct {
	SourceLocationPrefix string   `json:"sourceLocationPrefix"`
	SourceArchiveZip     string   `json:"sourceArchiveZip"`
	SourceArchiveRoot    string   `json:"sourceArchiveRoot"`
	DatasetFolder        string   `json:"datasetFolder"`
	Languages            []string `json:"languages"`
	Scheme               string   `json:"scheme"`
}

// ResolveDatabase validates a database directory and describes it.
func (c *Client) ResolveDatabase(ctx context.Context, path string) (DatabaseInfo, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DatabaseInfo{}, services.Wrap(services.ErrValidation, component, "resolve database", "empty database path", nil)
	}
	var info DatabaseInfo
	if err := c.runJSON(ctx, "resolve database", &info, "resolve", "database", "--format=json", "--", path); err != nil {
		return DatabaseInfo{}, err
	}
	return info, nil
}

// ResolveQueries expands query files, directories, and suites into .ql paths.
func (c *Client) ResolveQueries(ctx context.Context, paths ...string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"resolve", "queries", "--format=json", "--"}, paths...)
	var queries []string
	if err := c.runJSON(ctx, "resolve queries", &queries, args...); err != nil {
		return nil, err
	}
	return queries, nil
}

// BQRSInfo returns the raw `bqrs info` document for path. A positive
// pageSize asks the CLI for page offsets.
func (c *Client) BQRSInfo(ctx context.Context, path string, pageSize int) ([]byte, error) {
	args := []string{"bqrs", "info", "--format=json"}
	if pageSize > 0 {
		args = append(args, "--paginate-rows="+strconv.Itoa(pageSize))
	}
	args = append(args, "--", path)
	return c.run(ctx, "bqrs info", args...)
}

// DecodeOptions selects what `bqrs decode` emits.
type DecodeOptions struct {
	ResultSet string
	// StartAt is a byte offset taken from the info document's page offsets.
	StartAt int64
	// Rows limits the page size; zero decodes every remaining row.
	Rows     int
	Entities []string
}

// Args renders the options as CLI flags.
func (o DecodeOptions) Args() []string {
	args := []string{"--format=json"}
	if len(o.Entities) > 0 {
		args = append(args, "--entities="+strings.Join(o.Entities, ","))
	}
	if o.ResultSet != "" {
		args = append(args, "--result-set="+o.ResultSet)
	}
	if o.Rows > 0 {
		args = append(args, "--rows="+strconv.Itoa(o.Rows))
	}
	if o.StartAt > 0 {
		args = append(args, "--start-at="+strconv.FormatInt(o.StartAt, 10))
	}
	return args
}

// BQRSDecode returns the raw `bqrs decode` document for path.
func (c *Client) BQRSDecode(ctx context.Context, path string, opts DecodeOptions) ([]byte, error) {
	args := append([]string{"bqrs", "decode"}, opts.Args()...)
	args = append(args, "--", path)
	return c.run(ctx, "bqrs decode", args...)
}

func (c *Client) runJSON(ctx context.Context, op string, dest any, args ...string) error {
	out, err := c.run(ctx, op, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, dest); err != nil {
		return services.Wrap(services.ErrExternalTool, component, op, "decode output", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.exec.Output(ctx, c.binary, args...)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, component, op, fmt.Sprintf("exceeded %s", c.timeout), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.Wrap(services.ErrExternalTool, component, op, "", err)
	}
	c.logger.Debug("codeql command finished",
		logging.String("operation", op),
		logging.Duration("elapsed", elapsed),
		logging.Int("output_bytes", len(out)),
	)
	return out, nil
}
