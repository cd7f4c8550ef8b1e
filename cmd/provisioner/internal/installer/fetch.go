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
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// FetchErrorType categorizes download failures.
type FetchErrorType int

const (
	// FetchErrorConnection means the server could not be reached.
	FetchErrorConnection FetchErrorType = iota

	// FetchErrorStatus means the server answered with a non-200 status.
	FetchErrorStatus

	// FetchErrorCancelled means the context ended mid-download.
	FetchErrorCancelled

	// FetchErrorChecksum means the digest did not match.
	FetchErrorChecksum

	// FetchErrorContentType means the payload is not the declared archive type.
	FetchErrorContentType

	// FetchErrorWrite means the local file could not be written.
	FetchErrorWrite
)

// String returns the error type for logs.
func (t FetchErrorType) String() string {
	switch t {
	case FetchErrorConnection:
		return "CONNECTION_FAILED"
	case FetchErrorStatus:
		return "BAD_STATUS"
	case FetchErrorCancelled:
		return "CANCELLED"
	case FetchErrorChecksum:
		return "CHECKSUM_MISMATCH"
	case FetchErrorContentType:
		return "CONTENT_TYPE_MISMATCH"
	case FetchErrorWrite:
		return "WRITE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// FetchError is a structured download failure.
type FetchError struct {
	Type        FetchErrorType
	URL         string
	Message     string
	Detail      string
	Remediation string
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// FullError returns the message with URL, details, and remediation.
func (e *FetchError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.URL != "" {
		buf.WriteString(fmt.Sprintf(" (url: %s)", e.URL))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// Fetcher downloads strategy artifacts over HTTP(S).
type Fetcher struct {
	client           *http.Client
	progressInterval time.Duration
	logger           *slog.Logger
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// Timeout bounds a whole download. Default: 30m
	Timeout time.Duration

	// ProgressInterval throttles progress log lines. Default: 5s
	ProgressInterval time.Duration

	Logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Minute
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Fetcher{
		client:           &http.Client{Timeout: config.Timeout},
		progressInterval: config.ProgressInterval,
		logger:           config.Logger,
	}
}

// Fetch downloads url to dest and returns the sha256 of what was written.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (string, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", &FetchError{Type: FetchErrorWrite, URL: url, Message: "Cannot create download file", Detail: err.Error()}
	}
	defer out.Close()

	hash := sha256.New()
	progress := &progressWriter{
		total:     resp.ContentLength,
		url:       url,
		logger:    f.logger,
		sometimes: rate.Sometimes{First: 1, Interval: f.progressInterval},
	}
	n, err := io.Copy(io.MultiWriter(out, hash, progress), resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", &FetchError{Type: FetchErrorCancelled, URL: url, Message: "Download cancelled", Detail: ctx.Err().Error()}
		}
		return "", &FetchError{
			Type:        FetchErrorConnection,
			URL:         url,
			Message:     "Download interrupted",
			Detail:      err.Error(),
			Remediation: "Check network connectivity and try again",
		}
	}
	if err := out.Close(); err != nil {
		return "", &FetchError{Type: FetchErrorWrite, URL: url, Message: "Cannot write download file", Detail: err.Error()}
	}

	f.logger.Debug("download complete", "url", url, "bytes", n)
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// RemoteChecksum fetches "<url>.sha256" and returns the first hex digest in
// it. Accepts both bare digests and "digest  filename" lines.
func (f *Fetcher) RemoteChecksum(ctx context.Context, url string) (string, error) {
	sumURL := url + ".sha256"
	resp, err := f.get(ctx, sumURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 64*1024))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		digest := strings.ToLower(fields[0])
		if len(digest) == sha256.Size*2 {
			if _, err := hex.DecodeString(digest); err == nil {
				return digest, nil
			}
		}
	}
	return "", &FetchError{
		Type:    FetchErrorChecksum,
		URL:     sumURL,
		Message: "Checksum file contains no sha256 digest",
	}
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Type: FetchErrorConnection, URL: url, Message: "Invalid download URL", Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "provisioner")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{Type: FetchErrorCancelled, URL: url, Message: "Download cancelled", Detail: ctx.Err().Error()}
		}
		return nil, &FetchError{
			Type:        FetchErrorConnection,
			URL:         url,
			Message:     "Cannot reach download server",
			Detail:      err.Error(),
			Remediation: "Check network connectivity, proxy settings (HTTPS_PROXY) and DNS",
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &FetchError{
			Type:        FetchErrorStatus,
			URL:         url,
			Message:     fmt.Sprintf("Download server returned status %d", resp.StatusCode),
			Detail:      strings.TrimSpace(string(body)),
			Remediation: "Check that the version and architecture in the strategy URL exist",
		}
	}
	return resp, nil
}

// VerifyChecksum compares a computed digest to the expected one.
func VerifyChecksum(url, got, want string) error {
	if strings.EqualFold(got, want) {
		return nil
	}
	return &FetchError{
		Type:        FetchErrorChecksum,
		URL:         url,
		Message:     "Checksum mismatch",
		Detail:      fmt.Sprintf("expected sha256 %s, got %s", want, got),
		Remediation: "The download may be corrupted or tampered with; retry or update the pinned checksum",
	}
}

type progressWriter struct {
	written   int64
	total     int64
	url       string
	logger    *slog.Logger
	sometimes rate.Sometimes
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	p.sometimes.Do(func() {
		if p.total > 0 {
			p.logger.Info("downloading", "url", p.url,
				"percent", fmt.Sprintf("%.1f", float64(p.written)/float64(p.total)*100))
			return
		}
		p.logger.Info("downloading", "url", p.url, "bytes", p.written)
	})
	return len(b), nil
}
