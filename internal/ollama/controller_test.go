// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{`level=INFO msg="inference compute" library=cpu`, "idle", true},
		{`msg="inference compute" id=0 library=ROCm`, "amd-supported(rocm)", true},
		{`msg="inference compute" library=Vulkan`, "amd-supported(vulkan)", true},
		{`level=INFO msg="amdgpu is supported" gpu=0`, "amd-missing-rocm", true},
		{`amdgpu detected, but no compatible rocm library found.`, "amd-missing-rocm", true},
		{`vulkan: required extension VK_KHR_16bit_storage missing`, "amd-missing-extension", true},
		{`level=WARN msg="model request too large for system"`, "model-too-large", true},
		{`Listening on 127.0.0.1:11434 (version 0.9.0)`, "running", true},
		{`loading model`, "", false},
	}
	for _, tt := range tests {
		got, ok := Classify(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if ok {
			assert.Equal(t, tt.want, got.String(), tt.line)
		}
	}
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, "0.9.2", ParseVersion("ollama version is 0.9.2\n"))
	assert.Equal(t, "0.5.1", ParseVersion("Warning: could not connect\nclient version is v0.5.1"))
	assert.Equal(t, "", ParseVersion(""))
}

func TestEnvironment(t *testing.T) {
	c := NewController(ControllerOptions{
		URL:            "http://0.0.0.0:11435",
		ModelDirectory: "/data/.ollama/models",
		DataDir:        "/data",
		CacheDir:       "/cache",
		Overrides: map[string]string{
			"HSA_OVERRIDE_GFX_VERSION": "10.3.0",
			"CUDA_VISIBLE_DEVICES":     "",
		},
	})
	env := c.Environment()
	assert.Contains(t, env, "OLLAMA_HOST=http://0.0.0.0:11435")
	assert.Contains(t, env, "OLLAMA_MODELS=/data/.ollama/models")
	assert.Contains(t, env, "HOME=/data")
	assert.Contains(t, env, "TMPDIR="+filepath.Join("/cache", "tmp", "ollama"))
	assert.Contains(t, env, "HSA_OVERRIDE_GFX_VERSION=10.3.0")
	assert.Contains(t, env, "OLLAMA_ORIGINS=http://0.0.0.0:11435")
	for _, kv := range env {
		assert.NotEqual(t, "CUDA_VISIBLE_DEVICES=", kv)
	}

	exposed := NewController(ControllerOptions{URL: "http://0.0.0.0:11435", Expose: true})
	assert.Contains(t, exposed.Environment(), "OLLAMA_ORIGINS="+exposedOrigins)
}

func TestStartNotInstalled(t *testing.T) {
	c := NewController(ControllerOptions{Executable: filepath.Join(t.TempDir(), "missing")})
	assert.False(t, c.Installed())
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateNotInstalled, c.State())
}

// fakeOllama writes a script that logs like the server and sleeps.
func fakeOllama(t *testing.T, serve string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script executable")
	}
	path := filepath.Join(t.TempDir(), "ollama")
	script := "#!/bin/sh\nif [ \"$1\" = \"-v\" ]; then echo \"ollama version is 0.9.2\"; exit 0; fi\n" + serve
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestStartStopLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Ollama is running"))
	}))
	defer srv.Close()

	exe := fakeOllama(t, "echo 'msg=\"inference compute\" library=ROCm'\necho \"TMPDIR=$TMPDIR\" >&2\nexec sleep 30\n")
	cache := t.TempDir()
	c := NewController(ControllerOptions{
		URL:            srv.URL,
		Executable:     exe,
		CacheDir:       cache,
		ModelDirectory: filepath.Join(t.TempDir(), "models"),
		StopTimeout:    2 * time.Second,
	})

	var mu sync.Mutex
	var states []State
	unsubscribe := c.Subscribe(func(ev Event) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, "0.9.2", c.Version())
	assert.DirExists(t, filepath.Join(cache, "tmp", "ollama"))

	require.Eventually(t, func() bool {
		return c.Summary().String() == "amd-supported(rocm)"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	log := c.Log()
	require.NotEmpty(t, log)
	assert.Equal(t, "Ollama stopped", log[len(log)-1])
	assert.Contains(t, log, "TMPDIR="+filepath.Join(cache, "tmp", "ollama"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateStarting, states[0])
	assert.Contains(t, states, StateRunning)
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestStartFailsWhenProcessExits(t *testing.T) {
	exe := fakeOllama(t, "echo 'Error: listen tcp: address already in use' >&2\nexit 1\n")
	c := NewController(ControllerOptions{
		URL:          "http://127.0.0.1:1",
		Executable:   exe,
		ReadyTimeout: 5 * time.Second,
	})

	err := c.Start(context.Background())
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Tail, "Error: listen tcp: address already in use")
	assert.Equal(t, StateStopped, c.State())
}

func TestStartIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	exe := fakeOllama(t, "exec sleep 30\n")
	c := NewController(ControllerOptions{URL: srv.URL, Executable: exe, StopTimeout: 2 * time.Second})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
