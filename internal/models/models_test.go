// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/provider"
)

// =============================================================================
// FAKES
// =============================================================================

type memStore struct {
	mu          sync.Mutex
	online      map[string][]string
	deletedPref []string
}

func newMemStore() *memStore { return &memStore{online: map[string][]string{}} }

func (s *memStore) GetOnlineModels(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.online[id]), nil
}

func (s *memStore) AddOnlineModel(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.online[id], name) {
		s.online[id] = append(s.online[id], name)
	}
	return nil
}

func (s *memStore) RemoveOnlineModel(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[id] = slices.DeleteFunc(s.online[id], func(n string) bool { return n == name })
	return nil
}

func (s *memStore) DeleteModelPreferences(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedPref = append(s.deletedPref, id)
	return nil
}

type fakeClient struct {
	models []provider.ModelSummary
	caps   map[string][]string
}

func (f *fakeClient) ListModels(context.Context) ([]provider.ModelSummary, error) {
	return f.models, nil
}

func (f *fakeClient) GetModelInfo(_ context.Context, name string) (*provider.ModelInfo, error) {
	return &provider.ModelInfo{Capabilities: f.caps[name]}, nil
}

func (f *fakeClient) StreamChat(context.Context, provider.ChatParams, provider.ChunkFunc) (*provider.Completion, error) {
	return nil, nil
}

func (f *fakeClient) Complete(context.Context, provider.ChatParams) (*provider.Completion, error) {
	return nil, nil
}

func (f *fakeClient) CompleteStructured(context.Context, provider.ChatParams, string, json.RawMessage) (string, error) {
	return "", nil
}

type fakeAdmin struct {
	pull func(ctx context.Context, name string, on provider.ProgressFunc) error

	mu       sync.Mutex
	blobs    map[string][]byte
	uploads  int
	created  []provider.CreateSpec
	deleted  []string
	progress []provider.Progress
}

func (f *fakeAdmin) PullModel(ctx context.Context, name string, on provider.ProgressFunc) error {
	return f.pull(ctx, name, on)
}

func (f *fakeAdmin) CreateModel(_ context.Context, spec provider.CreateSpec, on provider.ProgressFunc) error {
	f.mu.Lock()
	f.created = append(f.created, spec)
	f.mu.Unlock()
	for _, p := range f.progress {
		on(p)
	}
	return nil
}

func (f *fakeAdmin) DeleteModel(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeAdmin) BlobExists(_ context.Context, digest string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[digest]
	return ok, nil
}

func (f *fakeAdmin) UploadBlob(_ context.Context, digest string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blobs == nil {
		f.blobs = map[string][]byte{}
	}
	f.blobs[digest] = data
	f.uploads++
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func localManager(admin *fakeAdmin, dir string, st *memStore) *Manager {
	target := Target{
		InstanceID:     "local",
		Client:         &fakeClient{},
		Admin:          admin,
		Catalog:        true,
		ModelDirectory: dir,
	}
	return NewManager(target, Options{Store: st, ProgressInterval: time.Hour})
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog(t *testing.T) {
	entries := Catalog()
	require.Greater(t, len(entries), 100)
	for _, e := range entries {
		assert.NotEmpty(t, e.Name)
	}

	e, ok := Lookup("llama3.2:1b")
	require.True(t, ok)
	assert.Equal(t, "llama3.2", e.Name)

	_, ok = Lookup("not-a-model")
	assert.False(t, ok)
}

func TestSearch(t *testing.T) {
	code := Search("", "code")
	require.NotEmpty(t, code)
	for _, e := range code {
		assert.Contains(t, e.Categories, "code")
	}

	llama := Search("LLAMA", "")
	require.NotEmpty(t, llama)
	assert.Less(t, len(llama), len(Catalog()))

	assert.Empty(t, Search("zzzz-no-such-model", ""))
}

func TestSearchCategories(t *testing.T) {
	e := Entry{Categories: []string{"small", "code", "huge", "tools", "medium", "big"}}
	assert.Equal(t, []string{"code", "tools"}, e.SearchCategories())
}

func TestPrettyName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"llama3.2:1b", "Llama3.2 (1b)"},
		{"llama3.2", "Llama3.2"},
		{"deepseek-r1:latest", "Deepseek R1 (latest)"},
		{"hf.co/user/my_model:Q4_K_M", "My Model (Q4_K_M)"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, PrettyName(tt.in))
		})
	}
}

// =============================================================================
// LISTS
// =============================================================================

func TestRefreshLocal(t *testing.T) {
	client := &fakeClient{
		models: []provider.ModelSummary{
			{Name: "llama3.2:1b", Size: 10},
			{Name: "qwen3:4b", Capabilities: []string{provider.CapCompletion}},
		},
		caps: map[string][]string{"llama3.2:1b": {provider.CapCompletion, provider.CapTools}},
	}
	m := NewManager(Target{InstanceID: "i", Client: client, Admin: &fakeAdmin{}, Catalog: true}, Options{Store: newMemStore()})

	lists, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, lists.Added, 2)
	assert.Equal(t, "Llama3.2 (1b)", lists.Added[0].DisplayName)
	assert.Equal(t, []string{provider.CapCompletion, provider.CapTools}, lists.Added[0].Capabilities)
	assert.Equal(t, []string{provider.CapCompletion}, lists.Added[1].Capabilities)
	assert.Len(t, lists.Available, len(Catalog()))
}

func TestRefreshOnlineList(t *testing.T) {
	st := newMemStore()
	st.online["cloud"] = []string{"gpt-4o"}
	client := &fakeClient{models: []provider.ModelSummary{
		{Name: "gpt-4o"}, {Name: "gpt-4o-mini", DisplayName: "GPT-4o mini"},
	}}
	m := NewManager(Target{InstanceID: "cloud", Client: client}, Options{Store: st})

	lists, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, lists.Added, 1)
	assert.Equal(t, "gpt-4o", lists.Added[0].Name)
	require.Len(t, lists.Available, 2)
	assert.Equal(t, "GPT-4o mini", lists.Available[1].DisplayName)
}

// =============================================================================
// PULL
// =============================================================================

func TestPullOnlineList(t *testing.T) {
	st := newMemStore()
	m := NewManager(Target{InstanceID: "cloud", Client: &fakeClient{}}, Options{Store: st})
	var log eventLog

	p, err := m.Pull(context.Background(), "gpt-4o", log.add)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	assert.Equal(t, []string{"gpt-4o"}, st.online["cloud"])
	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventSucceeded, events[0].Kind)
	assert.Empty(t, m.Pulls())
}

func TestPullThrottlesProgress(t *testing.T) {
	admin := &fakeAdmin{pull: func(_ context.Context, _ string, on provider.ProgressFunc) error {
		on(provider.Progress{Status: "pulling manifest"})
		for i := int64(1); i <= 50; i++ {
			on(provider.Progress{Status: "pulling", Digest: "sha256:abc", Completed: i, Total: 50})
		}
		on(provider.Progress{Status: provider.StatusSuccess})
		return nil
	}}
	m := localManager(admin, "", newMemStore())
	var log eventLog

	p, err := m.Pull(context.Background(), "llama3.2:1b", log.add)
	require.NoError(t, err)
	require.NoError(t, p.Wait())

	events := log.all()
	require.Len(t, events, 2, "one progress event per interval plus the terminal event")
	assert.Equal(t, EventProgress, events[0].Kind)
	assert.Equal(t, -1.0, events[0].Fraction)
	assert.Equal(t, EventSucceeded, events[1].Kind)
	assert.Equal(t, 1.0, events[1].Fraction)
	assert.Equal(t, []string{"sha256-abc"}, p.Digests())
}

func TestPullModelError(t *testing.T) {
	admin := &fakeAdmin{pull: func(context.Context, string, provider.ProgressFunc) error {
		return provider.Errorf(provider.KindModel, "pull model manifest: file does not exist")
	}}
	m := localManager(admin, "", newMemStore())
	var log eventLog

	p, err := m.Pull(context.Background(), "nope", log.add)
	require.NoError(t, err)
	err = p.Wait()
	assert.True(t, provider.IsKind(err, provider.KindModel))

	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
}

func TestPullWithoutSuccessFails(t *testing.T) {
	admin := &fakeAdmin{pull: func(_ context.Context, _ string, on provider.ProgressFunc) error {
		on(provider.Progress{Status: "pulling manifest"})
		return nil
	}}
	m := localManager(admin, "", newMemStore())

	p, err := m.Pull(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Error(t, p.Wait())
}

func TestPullCancelRemovesBlobs(t *testing.T) {
	dir := t.TempDir()
	blobs := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(blobs, 0o755))
	for _, name := range []string{"sha256-aaa", "sha256-aaa-partial", "sha256-aaa-partial-0", "sha256-bbb"} {
		require.NoError(t, os.WriteFile(filepath.Join(blobs, name), []byte("x"), 0o644))
	}

	started := make(chan struct{})
	admin := &fakeAdmin{pull: func(ctx context.Context, _ string, on provider.ProgressFunc) error {
		on(provider.Progress{Status: "pulling aaa", Digest: "sha256:aaa", Completed: 1, Total: 2})
		close(started)
		<-ctx.Done()
		return provider.Wrap(provider.KindNetwork, "pull", ctx.Err())
	}}
	m := localManager(admin, dir, newMemStore())
	var log eventLog

	p, err := m.Pull(context.Background(), "llama3.2:1b", log.add)
	require.NoError(t, err)
	<-started
	require.Len(t, m.Pulls(), 1)

	p.Cancel()
	assert.True(t, provider.IsCancelled(p.Wait()))

	left, err := os.ReadDir(blobs)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "sha256-bbb", left[0].Name())

	events := log.all()
	assert.Equal(t, EventCancelled, events[len(events)-1].Kind)
	assert.Empty(t, m.Pulls())
}

func TestPullInFlightIsShared(t *testing.T) {
	release := make(chan struct{})
	admin := &fakeAdmin{pull: func(_ context.Context, _ string, on provider.ProgressFunc) error {
		<-release
		on(provider.Progress{Status: provider.StatusSuccess})
		return nil
	}}
	m := localManager(admin, "", newMemStore())

	first, err := m.Pull(context.Background(), "qwen3", nil)
	require.NoError(t, err)
	second, err := m.Pull(context.Background(), "qwen3", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	close(release)
	require.NoError(t, first.Wait())
}

func TestPullRequiresName(t *testing.T) {
	m := localManager(&fakeAdmin{}, "", newMemStore())
	_, err := m.Pull(context.Background(), "  ", nil)
	assert.Error(t, err)
}

// =============================================================================
// CREATE AND DELETE
// =============================================================================

func TestCreateUploadsGGUF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	content := []byte("GGUF fake weights")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	admin := &fakeAdmin{progress: []provider.Progress{{Status: "parsing"}, {Status: provider.StatusSuccess}}}
	m := localManager(admin, "", newMemStore())
	var log eventLog

	err := m.Create(context.Background(), provider.CreateSpec{Model: "mine", GGUFPath: path}, log.add)
	require.NoError(t, err)

	assert.Equal(t, 1, admin.uploads)
	assert.Equal(t, content, admin.blobs[digest])
	require.Len(t, admin.created, 1)
	assert.Equal(t, map[string]string{"model.gguf": digest}, admin.created[0].Files)

	events := log.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventSucceeded, events[1].Kind)
}

func TestCreateSkipsExistingBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	content := []byte("weights")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum := sha256.Sum256(content)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	admin := &fakeAdmin{blobs: map[string][]byte{digest: content}}
	m := localManager(admin, "", newMemStore())

	require.NoError(t, m.Create(context.Background(), provider.CreateSpec{Model: "mine", GGUFPath: path}, nil))
	assert.Zero(t, admin.uploads)
	assert.Equal(t, digest, admin.created[0].Files["model.gguf"])
}

func TestCreateOnlineListUnsupported(t *testing.T) {
	m := NewManager(Target{InstanceID: "cloud", Client: &fakeClient{}}, Options{Store: newMemStore()})
	err := m.Create(context.Background(), provider.CreateSpec{Model: "x", From: "llama3"}, nil)
	assert.True(t, provider.IsKind(err, provider.KindLimitation))
}

func TestDelete(t *testing.T) {
	st := newMemStore()
	admin := &fakeAdmin{}
	m := localManager(admin, "", st)
	require.NoError(t, m.Delete(context.Background(), "llama3.2:1b"))
	assert.Equal(t, []string{"llama3.2:1b"}, admin.deleted)
	assert.Equal(t, []string{"llama3.2:1b"}, st.deletedPref)

	st.online["cloud"] = []string{"gpt-4o", "o3"}
	online := NewManager(Target{InstanceID: "cloud", Client: &fakeClient{}}, Options{Store: st})
	require.NoError(t, online.Delete(context.Background(), "gpt-4o"))
	assert.Equal(t, []string{"o3"}, st.online["cloud"])
	assert.Contains(t, st.deletedPref, "gpt-4o")
}
