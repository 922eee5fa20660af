// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package instance

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/cloud"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/ollama"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
)

// Supervisor runs the process behind a managed instance. *ollama.Controller
// implements it.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop() error
	Installed() bool
	State() ollama.State
	Log() []string
}

// Env carries the process-wide settings every instance is built with.
type Env struct {
	DataDir  string
	CacheDir string

	// Timeout bounds non-streaming provider requests.
	Timeout   time.Duration
	UserAgent string

	// NewSupervisor builds the process supervisor of managed instances.
	// Defaults to an *ollama.Controller.
	NewSupervisor func(ollama.ControllerOptions) Supervisor

	Logger *zap.SugaredLogger
}

func (e Env) logger() *zap.SugaredLogger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

func (e Env) supervisor(opts ollama.ControllerOptions) Supervisor {
	if e.NewSupervisor != nil {
		return e.NewSupervisor(opts)
	}
	return ollama.NewController(opts)
}

// Instance is one configured provider endpoint.
type Instance struct {
	ID     string
	Info   TypeInfo
	Pinned bool
	Props  Properties

	client provider.Client
	admin  provider.ModelAdmin
	sup    Supervisor
}

// Build constructs the clients of an instance from its properties.
func Build(info TypeInfo, id string, pinned bool, props Properties, env Env) *Instance {
	log := env.logger().With("instance", id, "type", info.Type)
	inst := &Instance{ID: id, Info: info, Pinned: pinned, Props: props}

	if info.Family == FamilyOpenAI {
		inst.client = cloud.New(cloud.Options{
			BaseURL:     props.URL,
			APIKey:      props.API,
			Limitations: info.Limitations,
			Listing:     info.Listing,
			Timeout:     env.Timeout,
			UserAgent:   env.UserAgent,
			Logger:      log,
		})
		return inst
	}

	oc := ollama.New(ollama.ClientConfig{
		BaseURL:         props.URL,
		APIKey:          props.API,
		AllowSelfSigned: props.AllowSelfSigned,
		Timeout:         env.Timeout,
		Logger:          log,
	})
	inst.client = oc
	if !info.OnlineList {
		inst.admin = oc
	}
	if info.Managed() {
		inst.sup = env.supervisor(ollama.ControllerOptions{
			URL:            props.URL,
			ModelDirectory: props.ModelDirectory,
			DataDir:        env.DataDir,
			CacheDir:       env.CacheDir,
			Overrides:      maps.Clone(props.Overrides),
			Expose:         props.Expose,
			Logger:         log,
		})
	}
	return inst
}

// Assemble wraps clients that were built elsewhere. admin may be nil.
func Assemble(info TypeInfo, id string, props Properties, client provider.Client, admin provider.ModelAdmin) *Instance {
	return &Instance{ID: id, Info: info, Props: props, client: client, admin: admin}
}

// Name is the user-facing name.
func (i *Instance) Name() string { return i.Props.Name }

// Type is the persisted type tag.
func (i *Instance) Type() string { return i.Info.Type }

// Client returns the chat client.
func (i *Instance) Client() provider.Client { return i.client }

// Admin returns the model administration endpoints, if the type has them.
func (i *Instance) Admin() (provider.ModelAdmin, bool) {
	return i.admin, i.admin != nil
}

// Supervisor returns the managed process supervisor, nil for other types.
func (i *Instance) Supervisor() Supervisor { return i.sup }

// Limitations returns the request restrictions of the type.
func (i *Instance) Limitations() provider.Limitations { return i.Info.Limitations }

// Start brings up the managed process. Other types have nothing to start.
func (i *Instance) Start(ctx context.Context) error {
	if i.sup == nil {
		return nil
	}
	return i.sup.Start(ctx)
}

// Stop terminates the managed process, if any.
func (i *Instance) Stop() error {
	if i.sup == nil {
		return nil
	}
	return i.sup.Stop()
}

// ChatParams fills the generation settings of a request for model.
func (i *Instance) ChatParams(model string, msgs []provider.Message) provider.ChatParams {
	p := provider.ChatParams{
		Model:              model,
		Messages:           msgs,
		OverrideParameters: i.Props.OverrideParameters,
		Temperature:        i.Props.Temperature,
		Seed:               i.Props.Seed,
	}
	if i.Info.Family == FamilyOpenAI {
		p.MaxTokens = i.Props.MaxTokens
		return p
	}
	if i.Props.OverrideParameters {
		p.NumCtx = i.Props.NumCtx
	}
	if slices.Contains(Keys(i.Info), KeyKeepAlive) {
		keep := i.Props.KeepAlive
		p.KeepAlive = &keep
	}
	think := i.Props.Think
	p.Think = &think
	return p
}

// DefaultModel resolves the model new chats use. A stored default that is
// no longer among the added models falls back to the first added one.
func (i *Instance) DefaultModel(added []string) string {
	if len(added) == 0 {
		return i.Props.DefaultModel
	}
	if i.Props.DefaultModel == "" || !slices.Contains(added, i.Props.DefaultModel) {
		return added[0]
	}
	return i.Props.DefaultModel
}

// TitleModel resolves the model used for titles. An unset title model
// means the chat's current model.
func (i *Instance) TitleModel(added []string, current string) string {
	if i.Props.TitleModel == "" {
		return current
	}
	if len(added) > 0 && !slices.Contains(added, i.Props.TitleModel) {
		return added[0]
	}
	return i.Props.TitleModel
}

// Record is the persisted form of the instance.
func (i *Instance) Record() *store.InstanceRecord {
	return &store.InstanceRecord{
		ID:         i.ID,
		Type:       i.Info.Type,
		Pinned:     i.Pinned,
		Properties: i.Props.ToMap(i.Info),
	}
}
