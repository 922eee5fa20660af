// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models manages the models of one instance: the added and
// available lists, pulls with progress, creation from GGUF files and
// deletion.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// DefaultProgressInterval is the minimum gap between non-terminal
// progress events of one pull.
const DefaultProgressInterval = 100 * time.Millisecond

// infoWorkers bounds concurrent model info requests during a refresh.
const infoWorkers = 4

// Store is the persistence the manager needs.
type Store interface {
	GetOnlineModels(ctx context.Context, instanceID string) ([]string, error)
	AddOnlineModel(ctx context.Context, instanceID, name string) error
	RemoveOnlineModel(ctx context.Context, instanceID, name string) error
	DeleteModelPreferences(ctx context.Context, modelID string) error
}

// Target is the instance a manager works on.
type Target struct {
	InstanceID string
	Client     provider.Client
	// Admin is nil for instance types whose added models are a
	// user-curated online list.
	Admin provider.ModelAdmin
	// Catalog marks local Ollama instances browsing the bundled catalog.
	Catalog bool
	// ModelDirectory is where a managed Ollama stores blobs; empty when
	// unknown.
	ModelDirectory string
}

// TargetFor describes inst.
func TargetFor(inst *instance.Instance) Target {
	t := Target{InstanceID: inst.ID, Client: inst.Client()}
	if admin, ok := inst.Admin(); ok {
		t.Admin = admin
		t.Catalog = true
	}
	if inst.Info.Managed() {
		t.ModelDirectory = inst.Props.ModelDirectory
	}
	return t
}

// Options configures a Manager.
type Options struct {
	Store  Store
	Logger *zap.SugaredLogger
	// ProgressInterval overrides DefaultProgressInterval.
	ProgressInterval time.Duration
}

// Manager is the model front-end of one instance. It is safe for
// concurrent use.
type Manager struct {
	target   Target
	store    Store
	log      *zap.SugaredLogger
	interval time.Duration

	mu    sync.Mutex
	pulls map[string]*Pull
}

// NewManager creates a manager for target.
func NewManager(target Target, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Manager{
		target:   target,
		store:    opts.Store,
		log:      opts.Logger.With("instance", target.InstanceID),
		interval: opts.ProgressInterval,
		pulls:    make(map[string]*Pull),
	}
}

// Model is an added model.
type Model struct {
	Name         string
	DisplayName  string
	Size         int64
	Capabilities []string
}

// Available is a model that can be pulled.
type Available struct {
	Entry
	DisplayName string
}

// Added lists the models the user has on this instance.
func (m *Manager) Added(ctx context.Context) ([]Model, error) {
	if m.target.Admin == nil {
		names, err := m.store.GetOnlineModels(ctx, m.target.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("online models: %w", err)
		}
		out := make([]Model, 0, len(names))
		for _, n := range names {
			out = append(out, Model{Name: n, DisplayName: PrettyName(n)})
		}
		return out, nil
	}
	summaries, err := m.target.Client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, Model{
			Name:         s.Name,
			DisplayName:  PrettyName(s.Name),
			Size:         s.Size,
			Capabilities: s.Capabilities,
		})
	}
	return out, nil
}

// Available lists what can be pulled: the bundled catalog for local
// Ollama, the provider's listing otherwise.
func (m *Manager) Available(ctx context.Context) ([]Available, error) {
	if m.target.Catalog {
		entries := Catalog()
		out := make([]Available, 0, len(entries))
		for _, e := range entries {
			out = append(out, Available{Entry: e, DisplayName: PrettyName(e.Name)})
		}
		return out, nil
	}
	summaries, err := m.target.Client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Available, 0, len(summaries))
	for _, s := range summaries {
		name := s.DisplayName
		if name == "" {
			name = PrettyName(s.Name)
		}
		out = append(out, Available{Entry: Entry{Name: s.Name}, DisplayName: name})
	}
	return out, nil
}

// Lists is the result of Refresh.
type Lists struct {
	Added     []Model
	Available []Available
}

// Refresh fetches both lists concurrently and fills in the capabilities
// of added models whose listing did not carry them.
func (m *Manager) Refresh(ctx context.Context) (*Lists, error) {
	var lists Lists
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		added, err := m.Added(gctx)
		if err != nil {
			return err
		}
		lists.Added = added
		return m.fillCapabilities(gctx, added)
	})
	g.Go(func() error {
		available, err := m.Available(gctx)
		lists.Available = available
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &lists, nil
}

func (m *Manager) fillCapabilities(ctx context.Context, added []Model) error {
	if m.target.Admin == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(infoWorkers)
	for i := range added {
		if len(added[i].Capabilities) > 0 {
			continue
		}
		g.Go(func() error {
			info, err := m.target.Client.GetModelInfo(gctx, added[i].Name)
			if err != nil {
				// A model that fails to describe itself is still listed.
				m.log.Debugw("model info failed", "model", added[i].Name, "error", err)
				return nil
			}
			added[i].Capabilities = info.Capabilities
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// PULL
// =============================================================================

// EventKind classifies pull events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventSucceeded
	EventFailed
	EventCancelled
)

// Event reports the state of a pull.
type Event struct {
	Kind   EventKind
	Model  string
	Status string
	// Fraction is in [0,1], or -1 while indeterminate.
	Fraction float64
	Err      error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool { return e.Kind != EventProgress }

// EventFunc receives pull events on the pull's goroutine.
type EventFunc func(Event)

// Pull is an in-flight download.
type Pull struct {
	Model string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   string
	fraction float64
	digests  []string
	err      error
}

// Cancel stops the pull. Downloaded blobs are removed.
func (p *Pull) Cancel() { p.cancel() }

// Done is closed when the pull has ended.
func (p *Pull) Done() <-chan struct{} { return p.done }

// Wait blocks until the pull ends and returns its error.
func (p *Pull) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Progress returns the last status and fraction.
func (p *Pull) Progress() (status string, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.fraction
}

// Digests returns the blob digests announced so far, in file name form.
func (p *Pull) Digests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.digests)
}

func (p *Pull) record(pr provider.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = pr.Status
	p.fraction = pr.Fraction()
	if pr.Digest != "" {
		d := digestFileName(pr.Digest)
		if !slices.Contains(p.digests, d) {
			p.digests = append(p.digests, d)
		}
	}
}

// digestFileName maps "sha256:<hex>" to the on-disk "sha256-<hex>".
func digestFileName(digest string) string {
	return strings.ReplaceAll(digest, ":", "-")
}

// Pulls returns the pulls in flight.
func (m *Manager) Pulls() []*Pull {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pull, 0, len(m.pulls))
	for _, p := range m.pulls {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Pull) int { return strings.Compare(a.Model, b.Model) })
	return out
}

// Pull starts downloading name in the background. Pulling a model that
// is already in flight returns the existing pull. On online-list
// instances the name is added to the list and the pull succeeds at once.
func (m *Manager) Pull(ctx context.Context, name string, onEvent EventFunc) (*Pull, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("model name is required")
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	m.mu.Lock()
	if p, ok := m.pulls[name]; ok {
		m.mu.Unlock()
		return p, nil
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &Pull{Model: name, cancel: cancel, done: make(chan struct{}), fraction: -1}
	m.pulls[name] = p
	m.mu.Unlock()

	if m.target.Admin == nil {
		err := m.store.AddOnlineModel(pctx, m.target.InstanceID, name)
		m.finish(p, err, onEvent)
		return p, nil
	}

	go func() {
		limiter := rate.NewLimiter(rate.Every(m.interval), 1)
		var succeeded bool
		err := m.target.Admin.PullModel(pctx, name, func(pr provider.Progress) {
			p.record(pr)
			if pr.Status == provider.StatusSuccess {
				succeeded = true
				return
			}
			if limiter.Allow() {
				onEvent(Event{Kind: EventProgress, Model: name, Status: pr.Status, Fraction: pr.Fraction()})
			}
		})
		if err == nil && !succeeded {
			err = provider.Errorf(provider.KindProtocol, "pull of %s ended without success", name)
		}
		if err != nil && pctx.Err() != nil {
			m.removeBlobs(p)
		}
		m.finish(p, err, onEvent)
	}()
	return p, nil
}

func (m *Manager) finish(p *Pull, err error, onEvent EventFunc) {
	m.mu.Lock()
	delete(m.pulls, p.Model)
	m.mu.Unlock()

	p.mu.Lock()
	p.err = err
	ev := Event{Model: p.Model, Status: p.status, Fraction: p.fraction, Err: err}
	p.mu.Unlock()

	switch {
	case err == nil:
		ev.Kind, ev.Status, ev.Fraction = EventSucceeded, provider.StatusSuccess, 1
		m.log.Infow("model pulled", "model", p.Model)
	case provider.IsCancelled(err) || errors.Is(err, context.Canceled):
		ev.Kind = EventCancelled
		m.log.Infow("model pull cancelled", "model", p.Model)
	default:
		ev.Kind = EventFailed
		m.log.Warnw("model pull failed", "model", p.Model, "error", err)
	}
	onEvent(ev)
	p.cancel()
	close(p.done)
}

// removeBlobs deletes every blob file, partial downloads included, whose
// name starts with a digest announced by p.
func (m *Manager) removeBlobs(p *Pull) {
	if m.target.ModelDirectory == "" {
		return
	}
	dir := filepath.Join(m.target.ModelDirectory, "blobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	digests := p.Digests()
	for _, e := range entries {
		for _, d := range digests {
			if !strings.HasPrefix(e.Name(), d) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				m.log.Warnw("remove blob", "path", path, "error", err)
			} else {
				m.log.Debugw("removed blob", "path", path)
			}
			break
		}
	}
}

// =============================================================================
// CREATE AND DELETE
// =============================================================================

// Create builds a new model. A GGUF file in spec is uploaded first unless
// the server already has its blob. Progress events are throttled like
// pulls and end with one terminal event.
func (m *Manager) Create(ctx context.Context, spec provider.CreateSpec, onEvent EventFunc) error {
	if m.target.Admin == nil {
		return provider.Errorf(provider.KindLimitation, "this instance cannot create models")
	}
	if strings.TrimSpace(spec.Model) == "" {
		return errors.New("model name is required")
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if spec.GGUFPath != "" {
		digest, err := m.uploadGGUF(ctx, spec.GGUFPath)
		if err != nil {
			onEvent(Event{Kind: EventFailed, Model: spec.Model, Err: err, Fraction: -1})
			return err
		}
		if spec.Files == nil {
			spec.Files = make(map[string]string)
		}
		spec.Files[filepath.Base(spec.GGUFPath)] = digest
	}

	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	err := m.target.Admin.CreateModel(ctx, spec, func(pr provider.Progress) {
		if pr.Status != provider.StatusSuccess && limiter.Allow() {
			onEvent(Event{Kind: EventProgress, Model: spec.Model, Status: pr.Status, Fraction: pr.Fraction()})
		}
	})
	switch {
	case err == nil:
		onEvent(Event{Kind: EventSucceeded, Model: spec.Model, Status: provider.StatusSuccess, Fraction: 1})
		m.log.Infow("model created", "model", spec.Model)
	case provider.IsCancelled(err):
		onEvent(Event{Kind: EventCancelled, Model: spec.Model, Err: err, Fraction: -1})
	default:
		onEvent(Event{Kind: EventFailed, Model: spec.Model, Err: err, Fraction: -1})
	}
	return err
}

// uploadGGUF hashes path, uploads it when missing and returns the
// "sha256:<hex>" digest.
func (m *Manager) uploadGGUF(ctx context.Context, path string) (string, error) {
	sum, size, err := fileSHA256(path)
	if err != nil {
		return "", fmt.Errorf("read gguf: %w", err)
	}
	digest := "sha256:" + sum
	exists, err := m.target.Admin.BlobExists(ctx, digest)
	if err != nil {
		return "", err
	}
	if exists {
		m.log.Debugw("blob already present", "digest", digest)
		return digest, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open gguf: %w", err)
	}
	defer f.Close()
	m.log.Infow("uploading blob", "digest", digest, "size", size)
	if err := m.target.Admin.UploadBlob(ctx, digest, f, size); err != nil {
		return "", err
	}
	return digest, nil
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Delete removes a model and its local preferences.
func (m *Manager) Delete(ctx context.Context, name string) error {
	var err error
	if m.target.Admin == nil {
		err = m.store.RemoveOnlineModel(ctx, m.target.InstanceID, name)
	} else {
		err = m.target.Admin.DeleteModel(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("delete model %s: %w", name, err)
	}
	if err := m.store.DeleteModelPreferences(ctx, name); err != nil {
		return fmt.Errorf("delete preferences of %s: %w", name, err)
	}
	m.log.Infow("model deleted", "model", name)
	return nil
}
