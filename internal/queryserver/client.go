package queryserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"qlbridge/internal/jsonrpc"
	"qlbridge/internal/logging"
	"qlbridge/internal/services"
)

const component = "queryserver"

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// Client owns one query-server2 process and issues evaluation requests to it.
// A crashed server is restarted within the configured budget and previously
// registered databases are registered again.
type Client struct {
	opts       Options
	logger     *slog.Logger
	lock       *flock.Flock
	newCommand func(name string, args ...string) *exec.Cmd

	mu        sync.Mutex
	state     state
	binary    string
	proc      *process
	databases []string
	restarts  []time.Time
	lastErr   error
}

// New returns a stopped client.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:       opts,
		logger:     logging.NewComponentLogger(opts.Logger, component),
		newCommand: exec.Command,
	}
	if opts.LockPath != "" {
		c.lock = flock.New(opts.LockPath)
	}
	return c
}

// Start spawns the server. It fails if the binary cannot be found, another
// client holds the storage lock, or the process exits during the startup
// window.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateRunning || c.state == stateStarting {
		c.mu.Unlock()
		return nil
	}
	c.state = stateStarting
	c.mu.Unlock()

	binary, p, err := c.start(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = stateStopped
		c.lastErr = err
		return err
	}
	c.binary = binary
	c.proc = p
	c.state = stateRunning
	c.restarts = nil
	c.lastErr = nil
	return nil
}

func (c *Client) start(ctx context.Context) (string, *process, error) {
	binary, err := exec.LookPath(c.opts.Binary)
	if err != nil {
		return "", nil, services.Wrap(services.ErrConfiguration, component, "start",
			fmt.Sprintf("resolve %q (set codeql.binary or CODEQL_PATH)", c.opts.Binary),
			fmt.Errorf("%w: %w", ErrBinaryNotFound, err))
	}
	if err := c.acquireLock(); err != nil {
		return "", nil, err
	}
	if c.opts.LogDir != "" {
		if err := os.MkdirAll(c.opts.LogDir, 0o755); err != nil {
			c.releaseLock()
			return "", nil, services.Wrap(services.ErrConfiguration, component, "start", "create log dir", err)
		}
		if removed := logging.CleanupOldLogs(c.logger, c.opts.LogRetentionDays, logging.RetentionTarget{
			Dir:       c.opts.LogDir,
			Recursive: true,
		}); removed > 0 {
			c.logger.Info("pruned evaluator logs", logging.Int("removed", removed))
		}
	}

	p, err := c.spawn(ctx, binary)
	if err != nil {
		c.releaseLock()
		return "", nil, err
	}
	c.logger.Info("query server started",
		logging.Int(logging.FieldPID, p.pid()),
		logging.String("binary", binary),
		logging.Int("threads", c.opts.Threads),
		logging.String("framing", string(c.opts.Framing)),
	)
	return binary, p, nil
}

func (c *Client) acquireLock() error {
	if c.lock == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.lock.Path()), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, component, "start", "create lock dir", err)
	}
	ok, err := c.lock.TryLock()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, component, "start", "acquire lock", err)
	}
	if !ok {
		return services.Wrap(services.ErrValidation, component, "start", c.lock.Path(), ErrLocked)
	}
	return nil
}

func (c *Client) releaseLock() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.logger.Debug("release lock failed", logging.Error(err))
	}
}

// Stop shuts the server down and releases the storage lock. It is safe to
// call on a client that never started.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.state = stateStopped
	c.mu.Unlock()

	if p != nil {
		c.stopProcess(ctx, p)
	}
	c.releaseLock()
	return nil
}

// Restart replaces the running server, re-registering known databases.
func (c *Client) Restart(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateStopped:
		c.mu.Unlock()
		return c.Start(ctx)
	case stateStarting:
		c.mu.Unlock()
		return services.Wrap(services.ErrTransient, component, "restart", "restart already in progress", nil)
	}
	old := c.proc
	c.proc = nil
	c.state = stateStarting
	c.mu.Unlock()

	if old != nil {
		c.stopProcess(ctx, old)
	}
	c.logger.Info("restarting query server")
	return c.restartProcess(ctx)
}

// handleExit runs on the monitor goroutine once a process has fully exited.
func (c *Client) handleExit(p *process) {
	c.mu.Lock()
	if c.proc != p || c.state != stateRunning || p.stopping.Load() {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	cause := fmt.Errorf("query server exited unexpectedly: %s%s", exitDescription(p.exitErr), p.stderr.Suffix())
	if p.connErr != nil {
		cause = fmt.Errorf("query server connection lost: %w%s", p.connErr, p.stderr.Suffix())
	}
	c.lastErr = cause
	if !c.opts.RestartOnFailure || !c.allowRestartLocked(time.Now()) {
		c.state = stateFailed
		c.mu.Unlock()
		logging.ErrorWithContext(c.logger, "query server exited unexpectedly", "queryserver_crashed",
			logging.Int(logging.FieldPID, p.pid()),
			logging.Error(cause),
			logging.String(logging.FieldErrorHint, "run qlbridge doctor and inspect the evaluator logs"),
			logging.String(logging.FieldImpact, "queries fail until the client is restarted"),
		)
		return
	}
	attempt := len(c.restarts)
	c.state = stateStarting
	c.mu.Unlock()

	logging.WarnWithContext(c.logger, "query server exited unexpectedly; restarting", "queryserver_restart",
		logging.Int(logging.FieldPID, p.pid()),
		logging.Int("attempt", attempt),
		logging.Int("max_restarts", c.opts.MaxRestarts),
		logging.Error(cause),
	)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RestartTimeout)
	defer cancel()
	if err := c.restartProcess(ctx); err != nil {
		logging.ErrorWithContext(c.logger, "query server restart failed", "queryserver_restart_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the codeql installation with qlbridge doctor"),
		)
	}
}

// allowRestartLocked records a restart attempt when the budget permits one.
func (c *Client) allowRestartLocked(now time.Time) bool {
	cutoff := now.Add(-c.opts.RestartWindow)
	kept := c.restarts[:0]
	for _, at := range c.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.restarts = kept
	if len(c.restarts) >= c.opts.MaxRestarts {
		return false
	}
	c.restarts = append(c.restarts, now)
	return true
}

// restartProcess expects the state to be stateStarting.
func (c *Client) restartProcess(ctx context.Context) error {
	c.mu.Lock()
	binary := c.binary
	c.mu.Unlock()

	p, err := c.spawn(ctx, binary)

	c.mu.Lock()
	if err != nil {
		if c.state == stateStarting {
			c.state = stateFailed
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}
	if c.state != stateStarting {
		c.mu.Unlock()
		c.stopProcess(ctx, p)
		return services.Wrap(services.ErrTransient, component, "restart", "client stopped during restart", ErrNotRunning)
	}
	c.proc = p
	c.state = stateRunning
	databases := slices.Clone(c.databases)
	c.mu.Unlock()

	c.logger.Info("query server restarted", logging.Int(logging.FieldPID, p.pid()))
	if len(databases) > 0 {
		params := jsonrpc.ProgressParams{Body: RegisterDatabasesParams{Databases: databases}}
		if err := p.conn.Call(ctx, MethodRegisterDatabases, params, nil, nil); err != nil {
			return services.Wrap(services.ErrExternalTool, component, "restart", "re-register databases", err)
		}
		c.logger.Info("re-registered databases", logging.Int("count", len(databases)))
	}
	if c.opts.OnRestart != nil {
		c.opts.OnRestart()
	}
	return nil
}

// Running reports whether a server process is up and accepting requests.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRunning && c.proc != nil
}

// PID returns the current server pid, or 0.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc.pid()
}

// RegisteredDatabases returns the databases the client will re-register after
// a restart.
func (c *Client) RegisteredDatabases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.databases)
}

// RegisterDatabases makes databases available to subsequent queries.
func (c *Client) RegisterDatabases(ctx context.Context, databases []string, onProgress jsonrpc.ProgressFunc) error {
	if len(databases) == 0 {
		return nil
	}
	var result RegisterDatabasesResult
	if err := c.call(ctx, MethodRegisterDatabases, RegisterDatabasesParams{Databases: databases}, &result, onProgress); err != nil {
		return err
	}
	c.mu.Lock()
	for _, db := range databases {
		if !slices.Contains(c.databases, db) {
			c.databases = append(c.databases, db)
		}
	}
	c.mu.Unlock()
	return nil
}

// DeregisterDatabases releases databases held by the server.
func (c *Client) DeregisterDatabases(ctx context.Context, databases []string, onProgress jsonrpc.ProgressFunc) error {
	if len(databases) == 0 {
		return nil
	}
	var result RegisterDatabasesResult
	if err := c.call(ctx, MethodDeregisterDatabases, RegisterDatabasesParams{Databases: databases}, &result, onProgress); err != nil {
		return err
	}
	c.mu.Lock()
	c.databases = slices.DeleteFunc(c.databases, func(db string) bool {
		return slices.Contains(databases, db)
	})
	c.mu.Unlock()
	return nil
}

// RunQuery evaluates a query. A non-success ResultType is reported in the
// result, not as an error; use RunQueryResult.Err to classify it.
func (c *Client) RunQuery(ctx context.Context, params RunQueryParams, onProgress jsonrpc.ProgressFunc) (*RunQueryResult, error) {
	if params.Target.Query == nil && params.Target.QuickEval == nil {
		params.Target = WholeQuery()
	}
	if params.AdditionalPacks == nil {
		params.AdditionalPacks = []string{}
	}
	if params.ExternalInputs == nil {
		params.ExternalInputs = map[string]string{}
	}
	if params.SingletonExternalInputs == nil {
		params.SingletonExternalInputs = map[string]string{}
	}
	var result RunQueryResult
	if err := c.call(ctx, MethodRunQuery, params, &result, onProgress); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearCache empties the evaluation cache of db.
func (c *Client) ClearCache(ctx context.Context, db string, dryRun bool, onProgress jsonrpc.ProgressFunc) (string, error) {
	var result ClearCacheResult
	if err := c.call(ctx, MethodClearCache, ClearCacheParams{DB: db, DryRun: dryRun}, &result, onProgress); err != nil {
		return "", err
	}
	return result.DeletionMessage, nil
}

// TrimCache shrinks the evaluation cache of db to the configured size.
func (c *Client) TrimCache(ctx context.Context, db string, onProgress jsonrpc.ProgressFunc) (string, error) {
	var result ClearCacheResult
	if err := c.call(ctx, MethodTrimCache, TrimCacheParams{DB: db}, &result, onProgress); err != nil {
		return "", err
	}
	return result.DeletionMessage, nil
}

func (c *Client) current() (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateRunning && c.proc != nil {
		return c.proc, nil
	}
	if c.state == stateFailed && c.lastErr != nil {
		return nil, services.Wrap(services.ErrExternalTool, component, "request", "",
			fmt.Errorf("%w: %w", ErrNotRunning, c.lastErr))
	}
	return nil, services.Wrap(services.ErrTransient, component, "request", c.state.String(), ErrNotRunning)
}

func (c *Client) call(ctx context.Context, method string, body, result any, onProgress jsonrpc.ProgressFunc) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	err = p.conn.Call(ctx, method, jsonrpc.ProgressParams{Body: body}, result, onProgress)
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.Error
	switch {
	case errors.Is(err, jsonrpc.ErrCancelled):
		return err
	case errors.Is(err, jsonrpc.ErrConnectionClosed):
		return services.Wrap(services.ErrExternalTool, component, method, "connection lost"+p.stderr.Suffix(), err)
	case errors.As(err, &rpcErr):
		return services.Wrap(services.ErrExternalTool, component, method, "request rejected", err)
	default:
		return services.Wrap(services.ErrTransient, component, method, "", err)
	}
}
