// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

func debianHost(root bool) *fakeHost {
	return newFakeHost(platform.Info{
		Family:                platform.FamilyDebian,
		PackageManager:        platform.PackageManagers(platform.FamilyDebian)[0],
		PackageManagerPresent: true,
		OS:                    "linux",
		Arch:                  "amd64",
		Root:                  root,
	})
}

var gitPackage = deps.Strategy{Kind: deps.KindPackage, Packages: map[string]string{"debian": "git", "redhat": "git"}}

func TestPackageAcquirer_SudoAndSingleRefresh(t *testing.T) {
	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{}, nil
		},
	}
	acq := NewPackageAcquirer(mock, nil)
	host := debianHost(false)

	require.NoError(t, acq.Acquire(context.Background(), host, Attempt{Dependency: deps.Dependency{Name: "git"}, Strategy: gitPackage}))
	require.NoError(t, acq.Acquire(context.Background(), host, Attempt{Dependency: deps.Dependency{Name: "git"}, Strategy: gitPackage}))

	calls := mock.GetCalls()
	require.Len(t, calls, 3, "refresh once, install twice")
	assert.Equal(t, "sudo -n env DEBIAN_FRONTEND=noninteractive apt-get update", calls[0].String())
	assert.Equal(t, "sudo -n env DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends git", calls[1].String())
	assert.Equal(t, calls[1].String(), calls[2].String())
}

func TestPackageAcquirer_RootUsesEnv(t *testing.T) {
	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{}, nil
		},
	}
	host := debianHost(true)
	host.ClaimIndexRefresh()

	require.NoError(t, NewPackageAcquirer(mock, nil).Acquire(context.Background(), host, Attempt{Strategy: gitPackage}))
	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "apt-get", calls[0].Name)
	assert.Equal(t, []string{"DEBIAN_FRONTEND=noninteractive"}, calls[0].Env)
}

func TestPackageAcquirer_SoftFailures(t *testing.T) {
	notFound := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			if len(cmd.Args) > 0 && cmd.Args[len(cmd.Args)-1] == "update" {
				return process.Result{}, nil
			}
			return process.Result{ExitCode: 100}, process.NewCommandError(cmd.String(), 100, "E: Unable to locate package git", errors.New("exit status 100"))
		},
	}
	err := NewPackageAcquirer(notFound, nil).Acquire(context.Background(), debianHost(true), Attempt{Strategy: gitPackage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package not found")

	unknown := newFakeHost(platform.Info{Family: platform.FamilyUnknown})
	err = NewPackageAcquirer(notFound, nil).Acquire(context.Background(), unknown, Attempt{Strategy: gitPackage})
	assert.ErrorIs(t, err, ErrNoPackageManager)

	alpine := newFakeHost(platform.Info{
		Family:                platform.FamilyAlpine,
		PackageManager:        platform.PackageManagers(platform.FamilyAlpine)[0],
		PackageManagerPresent: true,
		Root:                  true,
	})
	err = NewPackageAcquirer(notFound, nil).Acquire(context.Background(), alpine, Attempt{Strategy: gitPackage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no package declared for platform family alpine")
}

func TestClassifyPackageFailure(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"E: Unable to locate package protoc", "package not found"},
		{"Error: Unable to find a match: protobuf\nNo match for argument: protobuf", "package not found"},
		{"Temporary failure resolving 'deb.debian.org'", "network unreachable"},
		{"Curl error (6): Couldn't resolve host name", "network unreachable"},
		{"sudo: a password is required", "insufficient privileges"},
		{"E: Could not get lock /var/lib/dpkg/lock-frontend", "package database locked"},
		{"something else", "package manager failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			err := process.NewCommandError("pm", 1, tt.stderr, errors.New("exit status 1"))
			assert.Equal(t, tt.want, classifyPackageFailure(err))
		})
	}

	missing := process.NewCommandError("sudo", -1, "", &exec.Error{Name: "sudo", Err: exec.ErrNotFound})
	assert.Equal(t, "command not executable", classifyPackageFailure(missing))
}
