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
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
)

// countingProber becomes ready after readyAfter probes; a negative value
// means never.
type countingProber struct {
	calls      atomic.Int32
	readyAfter int32
}

func (p *countingProber) Version(ctx context.Context) (string, error) {
	n := p.calls.Add(1)
	if p.readyAfter >= 0 && n > p.readyAfter {
		return "0.5.7", nil
	}
	return "", errors.New("connection refused")
}

func fastConfig(t *testing.T) ServiceConfig {
	return ServiceConfig{
		BaseURL:       "http://127.0.0.1:11434",
		LogDir:        filepath.Join(t.TempDir(), "ollama_logs"),
		ReadyAttempts: 5,
		ReadyInterval: time.Millisecond,
	}
}

func TestService_AlreadyRunning(t *testing.T) {
	prober := &countingProber{readyAfter: 0}
	mock := &process.MockProcessManager{}

	started, err := NewService(prober, mock, fastConfig(t)).EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, mock.GetCalls(), "no start when already answering")
}

func TestService_StartsDetachedAndWaits(t *testing.T) {
	prober := &countingProber{readyAfter: 3}
	cfg := fastConfig(t)
	var sawOutput bool
	mock := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, cmd process.Command) (int, error) {
			sawOutput = cmd.Output != nil
			return 4242, nil
		},
	}

	started, err := NewService(prober, mock, cfg).EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, sawOutput)

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ollama serve", calls[0].String())
	assert.Equal(t, []string{"OLLAMA_HOST=127.0.0.1:11434"}, calls[0].Env)

	entries, err := os.ReadDir(cfg.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "ollama_")
}

func TestService_NeverReady(t *testing.T) {
	prober := &countingProber{readyAfter: -1}
	mock := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, cmd process.Command) (int, error) { return 1, nil },
	}

	started, err := NewService(prober, mock, fastConfig(t)).EnsureRunning(context.Background())
	assert.True(t, started)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, int32(6), prober.calls.Load(), "initial probe plus bounded poll")
}

func TestService_WaitsForExistingProcess(t *testing.T) {
	tests := []struct {
		name       string
		readyAfter int32
		wantErr    error
	}{
		{name: "becomes ready", readyAfter: 2},
		{name: "never ready", readyAfter: -1, wantErr: ErrNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pattern string
			mock := &process.MockProcessManager{
				IsRunningFunc: func(ctx context.Context, p string) (bool, int, error) {
					pattern = p
					return true, 311, nil
				},
			}

			started, err := NewService(&countingProber{readyAfter: tt.readyAfter}, mock, fastConfig(t)).EnsureRunning(context.Background())
			assert.False(t, started, "an existing server is never started twice")
			assert.Empty(t, mock.GetCalls())
			assert.Equal(t, "ollama serve", pattern)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestService_ProcessLookupErrorStillStarts(t *testing.T) {
	mock := &process.MockProcessManager{
		IsRunningFunc: func(ctx context.Context, p string) (bool, int, error) {
			return false, 0, errors.New("pgrep: not found")
		},
		StartFunc: func(ctx context.Context, cmd process.Command) (int, error) { return 9, nil },
	}
	started, err := NewService(&countingProber{readyAfter: 1}, mock, fastConfig(t)).EnsureRunning(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
}

func TestService_StartFails(t *testing.T) {
	mock := &process.MockProcessManager{
		StartFunc: func(ctx context.Context, cmd process.Command) (int, error) {
			return 0, process.NewCommandError("ollama serve", -1, "", errors.New("executable file not found"))
		},
	}
	started, err := NewService(&countingProber{readyAfter: -1}, mock, fastConfig(t)).EnsureRunning(context.Background())
	assert.False(t, started)
	assert.ErrorContains(t, err, "start ollama serve")
}

func TestService_WaitReadyHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastConfig(t)
	cfg.ReadyInterval = time.Hour

	err := NewService(&countingProber{readyAfter: -1}, &process.MockProcessManager{}, cfg).WaitReady(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewService_Defaults(t *testing.T) {
	s := NewService(&countingProber{}, &process.MockProcessManager{}, ServiceConfig{})
	assert.Equal(t, "ollama", s.config.Binary)
	assert.Equal(t, []string{"serve"}, s.config.Args)
	assert.Equal(t, 30, s.config.ReadyAttempts)
	assert.Equal(t, time.Second, s.config.ReadyInterval)
}
