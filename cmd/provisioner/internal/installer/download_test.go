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
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/deps"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/infra/process"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/platform"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func artifactServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLayout(t *testing.T) Layout {
	root := t.TempDir()
	return Layout{
		ToolsDir: filepath.Join(root, "tools"),
		BinDir:   filepath.Join(root, "bin"),
		Jobs:     2,
	}
}

func linuxHost() *fakeHost {
	return newFakeHost(platform.Info{Family: platform.FamilyDebian, OS: "linux", Arch: "amd64"})
}

func TestDownloadAcquirer_InstallsAndLinks(t *testing.T) {
	archive := gzipBytes(t, buildTar(t, toolTree))
	srv := artifactServer(t, map[string][]byte{
		"/v1.2.3/tool-linux-x86_64.tar.gz":        archive,
		"/v1.2.3/tool-linux-x86_64.tar.gz.sha256": []byte(sha256Hex(archive) + "  tool-linux-x86_64.tar.gz\n"),
	})

	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{}, nil
		},
	}
	layout := testLayout(t)
	acq := NewDownloadAcquirer(NewFetcher(FetcherConfig{}), mock, layout, nil)
	host := linuxHost()

	strategy := deps.Strategy{
		Kind:      deps.KindDownload,
		URL:       srv.URL + "/v{{.Version}}/tool-{{.OS}}-{{.Arch}}.tar.gz",
		Version:   "1.2.3",
		Archive:   deps.ArchiveTarGz,
		Checksum:  deps.ChecksumRemote,
		Binaries:  []string{"bin/tool"},
		Steps:     [][]string{{"./bin/tool", "--init", "{{.Prefix}}"}},
		ArchNames: map[string]string{"amd64": "x86_64"},
	}
	err := acq.Acquire(context.Background(), host, Attempt{
		Dependency: deps.Dependency{Name: "tool"},
		Strategy:   strategy,
		Scratch:    t.TempDir(),
	})
	require.NoError(t, err)

	prefix := filepath.Join(layout.ToolsDir, "tool")
	link, err := os.Readlink(filepath.Join(layout.BinDir, "tool"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(prefix, "bin", "tool"), link)
	assert.Contains(t, host.SearchPath().Added(), layout.BinDir)

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "./bin/tool", calls[0].Name)
	assert.Equal(t, []string{"--init", prefix}, calls[0].Args)
	assert.Equal(t, prefix, calls[0].Dir)
}

func TestDownloadAcquirer_Failures(t *testing.T) {
	archive := gzipBytes(t, buildTar(t, toolTree))
	srv := artifactServer(t, map[string][]byte{
		"/tool.tar.gz": archive,
		"/page.tar.gz": []byte("<html><body>Moved</body></html>"),
	})

	tests := []struct {
		name     string
		strategy deps.Strategy
		wantType FetchErrorType
	}{
		{
			name:     "missing artifact",
			strategy: deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/nope.tar.gz", Archive: deps.ArchiveTarGz},
			wantType: FetchErrorStatus,
		},
		{
			name:     "html error page",
			strategy: deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/page.tar.gz", Archive: deps.ArchiveTarGz},
			wantType: FetchErrorContentType,
		},
		{
			name: "pinned checksum mismatch",
			strategy: deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/tool.tar.gz", Archive: deps.ArchiveTarGz,
				Checksum: "0000000000000000000000000000000000000000000000000000000000000000"},
			wantType: FetchErrorChecksum,
		},
		{
			name:     "remote checksum missing",
			strategy: deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/tool.tar.gz", Archive: deps.ArchiveTarGz, Checksum: deps.ChecksumRemote},
			wantType: FetchErrorStatus,
		},
		{
			name:     "unreachable server",
			strategy: deps.Strategy{Kind: deps.KindDownload, URL: "http://127.0.0.1:1/tool.tar.gz", Archive: deps.ArchiveTarGz},
			wantType: FetchErrorConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := testLayout(t)
			acq := NewDownloadAcquirer(NewFetcher(FetcherConfig{}), &process.MockProcessManager{}, layout, nil)
			err := acq.Acquire(context.Background(), linuxHost(), Attempt{
				Dependency: deps.Dependency{Name: "tool"},
				Strategy:   tt.strategy,
				Scratch:    t.TempDir(),
			})
			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, tt.wantType, fetchErr.Type, fetchErr.FullError())

			_, statErr := os.Stat(filepath.Join(layout.ToolsDir, "tool"))
			assert.True(t, os.IsNotExist(statErr), "nothing installed on failure")
		})
	}
}

func TestDownloadAcquirer_DiskPreflight(t *testing.T) {
	layout := testLayout(t)
	layout.MinFreeMB = 1 << 40
	acq := NewDownloadAcquirer(NewFetcher(FetcherConfig{}), &process.MockProcessManager{}, layout, nil)
	err := acq.Acquire(context.Background(), linuxHost(), Attempt{
		Dependency: deps.Dependency{Name: "tool"},
		Strategy:   deps.Strategy{Kind: deps.KindDownload, URL: "http://127.0.0.1:1/x", Archive: deps.ArchiveBinary},
		Scratch:    t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient disk space")
}

func TestSourceAcquirer_BuildsIntoPrefix(t *testing.T) {
	source := gzipBytes(t, buildTar(t, []tarEntry{
		{name: "mytool-1.0/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "mytool-1.0/Makefile", body: "all:\n", mode: 0o644},
	}))
	srv := artifactServer(t, map[string][]byte{"/mytool-1.0.tar.gz": source})

	layout := testLayout(t)
	prefix := filepath.Join(layout.ToolsDir, "mytool")
	var dirs []string
	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			dirs = append(dirs, filepath.Base(cmd.Dir))
			if cmd.Args[len(cmd.Args)-1] == "install" {
				// Emulate "make install".
				require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "mytool"), []byte("#!/bin/sh\n"), 0o755))
			}
			return process.Result{}, nil
		},
	}

	acq := NewSourceAcquirer(NewFetcher(FetcherConfig{}), mock, layout, nil)
	err := acq.Acquire(context.Background(), linuxHost(), Attempt{
		Dependency: deps.Dependency{Name: "mytool"},
		Strategy: deps.Strategy{
			Kind:     deps.KindSource,
			URL:      srv.URL + "/mytool-{{.Version}}.tar.gz",
			Version:  "1.0",
			Archive:  deps.ArchiveTarGz,
			Steps:    [][]string{{"make", "-j{{.Jobs}}"}, {"make", "PREFIX={{.Prefix}}", "install"}},
			Binaries: []string{"bin/mytool"},
		},
		Scratch: t.TempDir(),
	})
	require.NoError(t, err)

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "make -j2", calls[0].String())
	assert.Equal(t, "make PREFIX="+prefix+" install", calls[1].String())
	assert.Equal(t, []string{"mytool-1.0", "mytool-1.0"}, dirs, "steps run in the source root")

	_, err = os.Readlink(filepath.Join(layout.BinDir, "mytool"))
	assert.NoError(t, err)
}

func TestSourceAcquirer_MissingBinaryFails(t *testing.T) {
	source := gzipBytes(t, buildTar(t, []tarEntry{{name: "src/Makefile", body: "all:\n", mode: 0o644}}))
	srv := artifactServer(t, map[string][]byte{"/src.tar.gz": source})
	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			return process.Result{}, nil
		},
	}

	acq := NewSourceAcquirer(NewFetcher(FetcherConfig{}), mock, testLayout(t), nil)
	err := acq.Acquire(context.Background(), linuxHost(), Attempt{
		Dependency: deps.Dependency{Name: "x"},
		Strategy: deps.Strategy{Kind: deps.KindSource, URL: srv.URL + "/src.tar.gz", Archive: deps.ArchiveTarGz,
			Steps: [][]string{{"make"}}, Binaries: []string{"bin/x"}},
		Scratch: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared binary bin/x missing")
}

// seedInstall creates <tools>/<name>/bin/<name> holding body and links it
// into the bin dir, as an earlier successful run would have.
func seedInstall(t *testing.T, layout Layout, name, body string) string {
	t.Helper()
	bin := filepath.Join(layout.Prefix(name), "bin", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte(body), 0o755))
	require.NoError(t, os.MkdirAll(layout.BinDir, 0o755))
	require.NoError(t, os.Symlink(bin, filepath.Join(layout.BinDir, name)))
	return bin
}

func assertPreviousInstall(t *testing.T, layout Layout, name, body string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(layout.BinDir, name))
	require.NoError(t, err, "bin dir link must still resolve")
	assert.Equal(t, body, string(data))

	entries, err := os.ReadDir(layout.ToolsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no backup or partial directory left behind")
	assert.Equal(t, name, entries[0].Name())
}

func TestSourceAcquirer_FailedBuildKeepsPreviousInstall(t *testing.T) {
	source := gzipBytes(t, buildTar(t, []tarEntry{{name: "x-2.0/Makefile", body: "all:\n", mode: 0o644}}))
	srv := artifactServer(t, map[string][]byte{"/x-2.0.tar.gz": source})

	layout := testLayout(t)
	seedInstall(t, layout, "x", "old x\n")

	mock := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
			// A half-finished install lands in the prefix before the failure.
			require.NoError(t, os.MkdirAll(filepath.Join(layout.Prefix("x"), "lib"), 0o755))
			return process.Result{ExitCode: 2}, errors.New("compile failed")
		},
	}

	acq := NewSourceAcquirer(NewFetcher(FetcherConfig{}), mock, layout, nil)
	err := acq.Acquire(context.Background(), linuxHost(), Attempt{
		Dependency: deps.Dependency{Name: "x"},
		Strategy: deps.Strategy{Kind: deps.KindSource, URL: srv.URL + "/x-2.0.tar.gz", Archive: deps.ArchiveTarGz,
			Steps: [][]string{{"make"}}, Binaries: []string{"bin/x"}},
		Scratch: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile failed")

	assertPreviousInstall(t, layout, "x", "old x\n")
	_, statErr := os.Stat(filepath.Join(layout.Prefix("x"), "lib"))
	assert.True(t, os.IsNotExist(statErr), "partial build output removed")
}

func TestDownloadAcquirer_PreviousInstall(t *testing.T) {
	archive := gzipBytes(t, buildTar(t, toolTree))
	srv := artifactServer(t, map[string][]byte{"/tool.tar.gz": archive})

	tests := []struct {
		name     string
		stepErr  error
		binaries []string
		wantErr  string
		wantBody string
	}{
		{
			name:     "failing step restores",
			stepErr:  errors.New("install hook failed"),
			binaries: []string{"bin/tool"},
			wantErr:  "install hook failed",
			wantBody: "old tool\n",
		},
		{
			name:     "missing binary restores",
			binaries: []string{"bin/absent"},
			wantErr:  "declared binary bin/absent missing",
			wantBody: "old tool\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := testLayout(t)
			seedInstall(t, layout, "tool", "old tool\n")
			mock := &process.MockProcessManager{
				RunFunc: func(ctx context.Context, cmd process.Command) (process.Result, error) {
					return process.Result{}, tt.stepErr
				},
			}

			acq := NewDownloadAcquirer(NewFetcher(FetcherConfig{}), mock, layout, nil)
			err := acq.Acquire(context.Background(), linuxHost(), Attempt{
				Dependency: deps.Dependency{Name: "tool"},
				Strategy: deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/tool.tar.gz", Archive: deps.ArchiveTarGz,
					Steps: [][]string{{"true"}}, Binaries: tt.binaries},
				Scratch: t.TempDir(),
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assertPreviousInstall(t, layout, "tool", tt.wantBody)
		})
	}
}

func TestDownloadAcquirer_ReplacesPreviousInstall(t *testing.T) {
	archive := gzipBytes(t, buildTar(t, toolTree))
	srv := artifactServer(t, map[string][]byte{"/tool.tar.gz": archive})

	layout := testLayout(t)
	old := seedInstall(t, layout, "tool", "old tool\n")
	acq := NewDownloadAcquirer(NewFetcher(FetcherConfig{}), &process.MockProcessManager{}, layout, nil)
	err := acq.Acquire(context.Background(), linuxHost(), Attempt{
		Dependency: deps.Dependency{Name: "tool"},
		Strategy:   deps.Strategy{Kind: deps.KindDownload, URL: srv.URL + "/tool.tar.gz", Archive: deps.ArchiveTarGz, Binaries: []string{"bin/tool"}},
		Scratch:    t.TempDir(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(old)
	require.NoError(t, err)
	assert.NotEqual(t, "old tool\n", string(data))

	entries, err := os.ReadDir(layout.ToolsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "backup removed after success")
}

func TestRender(t *testing.T) {
	data := TemplateData{OS: "linux", Arch: "x86_64", Version: "27.3", Prefix: "/opt/t", Jobs: 4}
	got, err := Render("protoc-{{.Version}}-{{.OS}}-{{.Arch}}.zip", data)
	require.NoError(t, err)
	assert.Equal(t, "protoc-27.3-linux-x86_64.zip", got)

	_, err = Render("{{.Nope}}", data)
	assert.Error(t, err)

	argv, err := RenderArgv([]string{"make", "-j{{.Jobs}}", "PREFIX={{.Prefix}}"}, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"make", "-j4", "PREFIX=/opt/t"}, argv)
}
