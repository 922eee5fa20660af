// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the configuration, logger, store, instance registry,
// tool runtime and message pipeline into one context shared by the
// front-ends.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/jeranaias/alpaca-core/internal/config"
	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/models"
	"github.com/jeranaias/alpaca-core/internal/pipeline"
	"github.com/jeranaias/alpaca-core/internal/secret"
	"github.com/jeranaias/alpaca-core/internal/store"
	"github.com/jeranaias/alpaca-core/internal/title"
	"github.com/jeranaias/alpaca-core/internal/tools"
)

// KeyFileName holds the key that seals instance API keys.
const KeyFileName = "secret.key"

// Options configures New.
type Options struct {
	// Config defaults to config.Load().
	Config *config.Config

	// Approver confirms run_command calls; without one the tool is not
	// offered.
	Approver tools.Approver

	// SkipRestore leaves every instance stopped and unselected.
	SkipRestore bool
}

// App is the application context.
type App struct {
	Config *config.Config
	Dirs   config.Dirs
	Log    *logging.Logger

	Store     *store.Store
	Instances *instance.Registry
	// Tools is nil when the tool runtime is disabled.
	Tools    *tools.Executor
	Pipeline *pipeline.Pipeline

	subMu sync.RWMutex
	subs  map[int]pipeline.EventFunc
	next  int
}

// New builds the application context. On error everything opened so far
// is closed again.
func New(ctx context.Context, opts Options) (a *App, err error) {
	cfg := opts.Config
	if cfg == nil {
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}
	dirs, err := cfg.Dirs()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.LogFile(dirs),
	})
	if err != nil {
		return nil, err
	}

	a = &App{Config: cfg, Dirs: dirs, Log: log, subs: make(map[int]pipeline.EventFunc)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	sealer, err := secret.LoadOrCreate(filepath.Join(dirs.Data, KeyFileName))
	if err != nil {
		return a, fmt.Errorf("load secret key: %w", err)
	}
	a.Store, err = store.Open(ctx, store.Options{
		Path:   filepath.Join(dirs.Data, store.DatabaseName),
		Sealer: sealer,
		Logger: log.SugaredLogger,
	})
	if err != nil {
		return a, err
	}

	a.Instances = instance.NewRegistry(instance.Options{
		Store: a.Store,
		Env: instance.Env{
			DataDir:   dirs.Data,
			CacheDir:  dirs.Cache,
			Timeout:   cfg.HTTP.RequestTimeout(),
			UserAgent: cfg.HTTP.UserAgent,
			Logger:    log.SugaredLogger,
		},
		OllamaOnly: cfg.Features.OllamaOnly,
	})
	if err = a.Instances.Load(ctx); err != nil {
		return a, err
	}

	if cfg.Features.ToolsEnabled {
		reg := tools.NewRegistry(a.Store)
		reg.RegisterBuiltins(tools.BuiltinOptions{
			HTTPClient: &http.Client{Timeout: cfg.HTTP.RequestTimeout()},
			UserAgent:  cfg.HTTP.UserAgent,
			Approver:   opts.Approver,
		})
		if err = reg.Load(ctx); err != nil {
			return a, err
		}
		a.Tools = tools.NewExecutor(reg, tools.ExecutorOptions{Logger: log.SugaredLogger})
	}

	var titles *title.Generator
	if cfg.Generation.Titles {
		titles = title.New(log.SugaredLogger)
	}
	a.Pipeline = pipeline.New(pipeline.Options{
		Store:     a.Store,
		Instances: a.Instances,
		Tools:     a.Tools,
		Titles:    titles,
		Events:    a.dispatch,
		Logger:    log.SugaredLogger,
	})

	if !opts.SkipRestore {
		// A failing instance leaves nothing selected; the front-end reports it.
		if rerr := a.Instances.Restore(ctx); rerr != nil {
			log.Warnw("could not restore the selected instance", "error", rerr)
		}
	}
	log.Debugw("application ready", "data_dir", dirs.Data, "instances", len(a.Instances.List()))
	return a, nil
}

// Subscribe registers fn for pipeline events and returns a function that
// removes it.
func (a *App) Subscribe(fn pipeline.EventFunc) (unsubscribe func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.next
	a.next++
	a.subs[id] = fn
	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		delete(a.subs, id)
	}
}

// SubscribeChat queues the events of one chat on a channel. When the
// buffer is full deltas are dropped and other events block the sender.
func (a *App) SubscribeChat(chatID string, buffer int) (<-chan pipeline.Event, func()) {
	ch := make(chan pipeline.Event, buffer)
	unsub := a.Subscribe(func(e pipeline.Event) {
		if e.ChatID != chatID {
			return
		}
		select {
		case ch <- e:
		default:
			// Deltas are redundant once MessageFinished arrives.
			if e.Kind != pipeline.MessageDelta {
				ch <- e
			}
		}
	})
	return ch, unsub
}

func (a *App) dispatch(e pipeline.Event) {
	if e.Kind == pipeline.Toast && !a.Config.Generation.Toasts {
		a.Log.Infow("toast", "chat", e.ChatID, "text", e.Text)
		return
	}
	a.subMu.RLock()
	subs := make([]pipeline.EventFunc, 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

// Models returns the model manager of the selected instance.
func (a *App) Models() (*models.Manager, error) {
	inst, err := a.Instances.Require()
	if err != nil {
		return nil, err
	}
	return models.NewManager(models.TargetFor(inst), models.Options{
		Store:  a.Store,
		Logger: a.Log.SugaredLogger,
	}), nil
}

// ResolveModel returns the model inst answers with: its stored default,
// else the first added model. The instance is only asked for its models
// when no default is stored.
func (a *App) ResolveModel(ctx context.Context, inst *instance.Instance) (string, error) {
	if model := inst.DefaultModel(nil); model != "" {
		return model, nil
	}
	mgr, err := a.Models()
	if err != nil {
		return "", err
	}
	added, err := mgr.Added(ctx)
	if err != nil {
		return "", err
	}
	names := make([]string, len(added))
	for i, m := range added {
		names[i] = m.Name
	}
	if model := inst.DefaultModel(names); model != "" {
		return model, nil
	}
	return "", pipeline.ErrNoModel
}

// WatchConfig follows the configuration file and applies log level
// changes until ctx is done. It returns once the watch is set up.
func (a *App) WatchConfig(ctx context.Context) error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return config.Watch(ctx, path, func(cfg *config.Config, err error) {
		if err != nil {
			a.Log.Warnw("ignoring configuration change", "error", err)
			return
		}
		if err := a.Log.SetLevel(cfg.Log.Level); err != nil {
			a.Log.Warnw("ignoring log level", "error", err)
			return
		}
		a.Log.Infow("configuration reloaded", "level", cfg.Log.Level)
	})
}

// Close stops generation and the selected instance, then closes the store.
func (a *App) Close() error {
	var err error
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.Instances != nil {
		err = multierr.Append(err, a.Instances.Close())
	}
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	a.Log.Sync()
	return err
}
