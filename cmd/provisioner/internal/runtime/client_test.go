// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an httptest server speaking the subset of the runtime API
// the client uses.
type fakeRuntime struct {
	srv   *httptest.Server
	pulls atomic.Int32
	down  atomic.Bool

	mu        sync.Mutex
	models    []string
	pullLines []string
	pullCode  int
}

func (f *fakeRuntime) set(fn func(f *fakeRuntime)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	f := &fakeRuntime{pullCode: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		if f.down.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"version":"0.5.7"}`)
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		}
		var body struct {
			Models []model `json:"models"`
		}
		f.mu.Lock()
		for _, m := range f.models {
			body.Models = append(body.Models, model{Name: m, Size: 637700138})
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		f.pulls.Add(1)
		var req pullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		code, lines := f.pullCode, f.pullLines
		f.mu.Unlock()
		if code != http.StatusOK {
			http.Error(w, "registry unreachable", code)
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRuntime) client(t *testing.T) *Client {
	c := NewClient(ClientConfig{BaseURL: f.srv.URL, BreakerFailures: 2, BreakerCooldown: time.Minute})
	t.Cleanup(c.Close)
	return c
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultBaseURL},
		{"  ", DefaultBaseURL},
		{"0.0.0.0:11434", "http://0.0.0.0:11434"},
		{":8080", "http://localhost:8080"},
		{"https://gpu-box:11434/", "https://gpu-box:11434"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBaseURL(tt.in))
		})
	}
}

func TestBaseURLFromEnv(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "127.0.0.1:9999")
	assert.Equal(t, "http://127.0.0.1:9999", BaseURLFromEnv())
	assert.Equal(t, "http://127.0.0.1:9999", NewClient(ClientConfig{}).BaseURL())
}

func TestClient_Version(t *testing.T) {
	f := newFakeRuntime(t)
	c := f.client(t)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.5.7", v)
	assert.True(t, c.Ready(context.Background()))

	f.down.Store(true)
	_, err = c.Version(context.Background())
	assert.True(t, IsType(err, ErrorInvalidResponse), "got %v", err)
	assert.False(t, c.Ready(context.Background()))
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	defer c.Close()

	_, err := c.Version(context.Background())
	require.Error(t, err)
	assert.True(t, IsType(err, ErrorConnection))

	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.FullError(), "ollama serve")
}

func TestClient_HasModel(t *testing.T) {
	f := newFakeRuntime(t)
	f.set(func(f *fakeRuntime) { f.models = []string{"tinyllama:latest", "nomic-embed-text:v1.5"} })
	c := f.client(t)

	tests := []struct {
		name string
		want bool
	}{
		{"tinyllama", true},
		{"tinyllama:latest", true},
		{"TinyLlama", true},
		{"nomic-embed-text:v1.5", true},
		{"nomic-embed-text", false},
		{"llama3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.HasModel(context.Background(), tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, int64(637700138), models[0].Size)
}

func TestClient_Pull(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		code     int
		wantErr  bool
		wantType ErrorType
		progress int
	}{
		{
			name: "streams progress to success",
			lines: []string{
				`{"status":"pulling manifest"}`,
				`{"status":"pulling 2af3b81862c6","total":637700138,"completed":1000}`,
				`not json`,
				`{"status":"pulling 2af3b81862c6","total":637700138,"completed":637700138}`,
				`{"status":"success"}`,
			},
			code:     http.StatusOK,
			progress: 4,
		},
		{
			name:     "error line",
			lines:    []string{`{"status":"pulling manifest"}`, `{"error":"pull model manifest: file does not exist"}`},
			code:     http.StatusOK,
			wantErr:  true,
			wantType: ErrorPullFailed,
			progress: 1,
		},
		{
			name:     "stream ends early",
			lines:    []string{`{"status":"pulling manifest"}`},
			code:     http.StatusOK,
			wantErr:  true,
			wantType: ErrorPullFailed,
			progress: 1,
		},
		{
			name:     "server error",
			code:     http.StatusInternalServerError,
			wantErr:  true,
			wantType: ErrorPullFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRuntime(t)
			f.set(func(f *fakeRuntime) { f.pullLines, f.pullCode = tt.lines, tt.code })
			c := f.client(t)

			var updates int
			err := c.Pull(context.Background(), "tinyllama", func(status string, completed, total int64) {
				updates++
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsType(err, tt.wantType), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.progress, updates)
		})
	}
}

func TestClient_PullBreakerOpens(t *testing.T) {
	f := newFakeRuntime(t)
	f.set(func(f *fakeRuntime) { f.pullCode = http.StatusBadGateway })
	c := f.client(t)

	for i := 0; i < 2; i++ {
		err := c.Pull(context.Background(), "tinyllama", nil)
		assert.True(t, IsType(err, ErrorPullFailed))
	}

	err := c.Pull(context.Background(), "phi3", nil)
	assert.True(t, IsType(err, ErrorBreakerOpen), "got %v", err)
	assert.Equal(t, int32(2), f.pulls.Load(), "open breaker does not reach the server")
}

func TestClient_CancelledPullDoesNotTrip(t *testing.T) {
	f := newFakeRuntime(t)
	c := f.client(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		err := c.Pull(ctx, "tinyllama", nil)
		assert.True(t, IsType(err, ErrorCancelled), "got %v", err)
	}

	f.set(func(f *fakeRuntime) { f.pullLines = []string{`{"status":"success"}`} })
	assert.NoError(t, c.Pull(context.Background(), "tinyllama", nil))
}
