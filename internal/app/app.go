// Package app assembles the service from configuration: storage, the run
// engine, the execution substrate, the dispatcher and its step handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"runline/internal/agent"
	"runline/internal/apperr"
	"runline/internal/approval"
	"runline/internal/artifact"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/logger"
	"runline/internal/migrate"
	"runline/internal/queue"
	"runline/internal/redact"
	"runline/internal/repo"
	"runline/internal/sandbox"
	"runline/internal/stream"
	"runline/internal/substrate/memsubstrate"
)

// Options control Open.
type Options struct {
	Workspace string
	// Config overrides loading runline.yml from Workspace.
	Config *config.Config
	Logger *slog.Logger
	// Model drives the agent. Defaults to agent.CommandModel over run metadata.
	Model agent.Model
	// InProcess delivers step callbacks straight to the dispatcher instead
	// of through the signed HTTP callback.
	InProcess bool
	// Migrate applies pending migrations instead of requiring a current schema.
	Migrate bool
}

// App is the assembled service.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	DB          *sql.DB
	Engine      engine.Engine
	Redactor    *redact.Redactor
	Streams     *stream.Store
	Artifacts   *artifact.Store
	Gate        *approval.Gate
	Provisioner *sandbox.Provisioner
	Substrate   *memsubstrate.Substrate
	Dispatcher  *dispatch.Dispatcher
	Runner      *agent.Runner
	Reaper      *dispatch.Reaper
	Signer      queue.Signer

	closers []io.Closer
}

// LoadConfig reads runline.yml from workspace, falling back to defaults.
func LoadConfig(workspace string) (*config.Config, error) {
	return config.LoadOptional(workspace)
}

// Open builds every component. Close releases them.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(opts.Workspace); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	red, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, DB: conn, Redactor: red, closers: []io.Closer{conn}}
	if opts.Migrate {
		err = migrate.Migrate(conn)
	} else {
		err = migrate.EnsureCurrent(ctx, conn)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = engine.New(conn, cfg)
	a.Engine.Events.Redactor = red
	a.Streams = stream.NewStore(repo.Repo{DB: conn}, red)

	indexer, err := a.indexer(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Artifacts = artifact.NewStore(conn, indexer, cfg.Artifacts.Codec, cfg.Artifacts.CompressThreshold)
	a.Artifacts.Events = a.Engine.Events
	a.Artifacts.Logger = log

	a.Gate = approval.NewGate(conn)
	a.Gate.Events = a.Engine.Events
	a.Gate.Logger = log

	base := cfg.Sandbox.Dir
	if base == "" {
		base = "sandbox"
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(db.Dir(opts.Workspace), base)
	}
	a.Provisioner, err = sandbox.NewProvisioner(cfg, sandbox.LocalFactory(base), red)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Provisioner.Logger = log

	model := opts.Model
	if model == nil {
		model = agent.CommandModel{Metadata: a.runMetadata}
	}
	a.Runner = &agent.Runner{
		Model:       model,
		Provisioner: a.Provisioner,
		Streams:     a.Streams,
		Gate:        a.Gate,
		Artifacts:   a.Artifacts,
		Config:      cfg,
		Redactor:    red,
		Logger:      log,
	}

	a.Signer = queue.NewSigner(cfg.Queue.SigningKey, cfg.Queue.NextSigningKey)
	a.Substrate = memsubstrate.New(nil)
	a.Substrate.Logger = log
	a.Dispatcher = dispatch.New(a.Engine, a.Substrate, a.Streams, a.Runner)
	a.Dispatcher.Signer = a.Signer
	a.Dispatcher.Logger = log
	a.Dispatcher.Redactor = red
	a.Dispatcher.Origin = "in-process"
	if opts.InProcess || len(a.Signer.Key) == 0 {
		a.Substrate.Submitter = a.Dispatcher
	} else {
		a.Substrate.Submitter = queue.Client{
			URL:    CallbackURL(cfg),
			Signer: a.Signer,
			HTTP:   &http.Client{Timeout: cfg.RunTimeout("") + time.Minute},
		}
	}
	a.Reaper = dispatch.NewReaper(a.Dispatcher, cfg.Runs.ReapSchedule)
	return a, nil
}

// CallbackURL is where the substrate posts signed step callbacks.
func CallbackURL(cfg *config.Config) string {
	p := cfg.Queue.CallbackPath
	if p == "" {
		p = "/queue/steps"
	}
	return strings.TrimRight(cfg.Server.PublicURL, "/") + "/" + strings.TrimLeft(p, "/")
}

func (a *App) indexer(cfg *config.Config) (queue.Publisher, error) {
	if cfg.Queue.RedisURL == "" {
		return queue.NewMemoryPublisher(), nil
	}
	client, err := queue.DialRedis(cfg.Queue.RedisURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.EnvInvalid, err, "config.queue.redis_url")
	}
	a.closers = append(a.closers, client)
	return queue.NewRedisPublisher(client, cfg.Queue.IndexStream), nil
}

func (a *App) runMetadata(runID string) map[string]any {
	run, err := a.Engine.Repo.GetRun(context.Background(), runID)
	if err != nil {
		return nil
	}
	return run.Metadata
}

func newRedactor(cfg *config.Config) (*redact.Redactor, error) {
	var extra []redact.Pattern
	for _, p := range cfg.Redaction.Patterns {
		pat, err := redact.Compile(p.Name, p.Regex)
		if err != nil {
			return nil, apperr.Wrap(apperr.EnvInvalid, err, "redaction pattern "+p.Name)
		}
		extra = append(extra, pat)
	}
	return redact.New(extra...), nil
}

// Close waits for background work and releases connections.
func (a *App) Close() error {
	if a.Reaper != nil {
		a.Reaper.Stop()
	}
	if a.Substrate != nil {
		a.Substrate.Wait()
	}
	if a.Artifacts != nil {
		a.Artifacts.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnsureProject returns the project, creating it with actorID as owner
// when it does not exist yet.
func EnsureProject(ctx context.Context, e engine.Engine, projectID, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	p, err = e.InitProject(ctx, projectID, "", actorID)
	if err != nil {
		return p, fmt.Errorf("create project %s: %w", projectID, err)
	}
	return p, nil
}
