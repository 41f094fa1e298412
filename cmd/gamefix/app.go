package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breeze-rmm/gamefix/internal/audit"
	"github.com/breeze-rmm/gamefix/internal/config"
	"github.com/breeze-rmm/gamefix/internal/engine"
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/httputil"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/preflight"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/source"
)

var log = logging.L("main")

// app is everything a command needs, built from config and flags.
type app struct {
	cfg     *config.Config
	catalog *fixes.Catalog
	target  fixes.Target
	manager *engine.Manager
	router  *source.Router
	closers []func() error
}

var current *app

func closeApp() {
	if current == nil {
		return
	}
	for i := len(current.closers) - 1; i >= 0; i-- {
		if err := current.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
	logging.Sync()
	current = nil
}

// setup loads config, initializes logging and the audit log, reads the
// catalog and builds the engine. needTarget requires --game-root and --game-id.
func setup(needTarget bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}

	a := &app{cfg: cfg}
	current = a
	initLogging(a)

	if catalogPath == "" {
		catalogPath = cfg.CatalogPath
	}
	if sharedCatalog == "" {
		sharedCatalog = cfg.SharedCatalog
	}
	if catalogPath == "" {
		return nil, errors.New("--catalog is required")
	}
	a.catalog, err = fixes.LoadCatalog(catalogPath, sharedCatalog)
	if err != nil {
		return nil, err
	}

	if needTarget {
		if gameRoot == "" || gameID == 0 {
			return nil, errors.New("--game-root and --game-id are required")
		}
		a.target = fixes.Target{ID: gameID, Root: gameRoot, BuildID: buildID}
		for _, l := range a.catalog.Lists {
			if l.GameID == gameID {
				a.target.Name = l.GameName
			}
		}
	}

	a.router = source.NewRouter(cfg.StagingDir, source.Config{
		HTTPTimeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		Retry:       httputil.DefaultRetryConfig(),
		S3: source.S3Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			UsePathStyle:    cfg.S3.UsePathStyle,
		},
		GCS:   source.GCSConfig{CredentialsFile: cfg.GCS.CredentialsFile},
		Azure: source.AzureConfig{ConnectionString: cfg.Azure.ConnectionString},
		B2:    source.B2Config{AccountID: cfg.B2.AccountID, ApplicationKey: cfg.B2.ApplicationKey},
	})

	env := engine.DefaultEnv()
	env.BackupRootName = cfg.BackupRootName
	env.StagingDir = cfg.StagingDir
	env.VerifyWorkers = cfg.VerifyWorkers
	if cfg.HostsPath != "" {
		env.HostsPath = cfg.HostsPath
	}

	opts := []engine.Option{
		engine.WithProgress(reportProgress),
		engine.WithPreflight(preflight.Options{
			MinFreeBytes: uint64(cfg.MinDiskSpaceMB) * 1024 * 1024,
			CheckRunning: cfg.CheckRunningProcesses,
		}),
	}
	if cfg.AuditEnabled {
		auditLog, err := audit.NewLogger(audit.Options{
			Dir:        cfg.AuditDir,
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
		})
		if err != nil {
			log.Warnw("audit log unavailable", logging.KeyError, err)
		} else {
			a.closers = append(a.closers, auditLog.Close)
			opts = append(opts, engine.WithAudit(auditLog))
		}
	}
	a.manager = engine.New(env, a.catalog, opts...)
	return a, nil
}

func initLogging(a *app) {
	if a.cfg.LogFile == "" {
		logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, nil)
		return
	}
	w, err := logging.NewRotatingWriter(a.cfg.LogFile, a.cfg.LogMaxSizeMB, a.cfg.LogMaxBackups)
	if err != nil {
		logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, nil)
		log.Warnw("log file unavailable, logging to stderr", "path", a.cfg.LogFile, logging.KeyError, err)
		return
	}
	logging.Init(a.cfg.LogFormat, a.cfg.LogLevel, w)
	a.closers = append(a.closers, w.Close)
}

func reportProgress(e progress.Event) {
	log.Debugw("progress",
		"phase", e.Phase,
		logging.KeyFixGuid, e.FixGuid.String(),
		logging.KeyFixName, e.FixName,
		"percent", e.Percent,
		"message", e.Message)
}

// signalContext is cancelled on SIGINT or SIGTERM so a running operation
// rolls back instead of being killed half way.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// findFix resolves a fix of the target game by name or guid.
func (a *app) findFix(nameOrGuid string) (fixes.Fix, error) {
	fix, ok := a.catalog.FindByName(a.target.ID, nameOrGuid)
	if !ok {
		return nil, fmt.Errorf("fix %q not found for game %d", nameOrGuid, a.target.ID)
	}
	return fix, nil
}

// stage fetches the archives fix and its shared fix need. It is a no-op for
// other kinds and when an explicit archive is given.
func (a *app) stage(ctx context.Context, list ...fixes.Fix) error {
	var files []*fixes.FileFix
	for _, fix := range list {
		ff, ok := fix.(*fixes.FileFix)
		if !ok {
			continue
		}
		files = append(files, ff)
		if ff.SharedFixGuid != nil {
			if s, ok := a.catalog.SharedFix(*ff.SharedFixGuid); ok {
				files = append(files, s)
			}
		}
	}
	if len(files) == 0 {
		return nil
	}
	_, err := a.router.StageAll(ctx, files, a.cfg.StageConcurrency)
	return err
}
