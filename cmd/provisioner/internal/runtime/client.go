// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package runtime provisions the AI runtime service (Ollama) the application
talks to: it starts the server detached, waits for it to answer, and pulls
the models the application needs.

# Endpoints Used

  - GET  /api/version: readiness probe
  - GET  /api/tags:    locally available models
  - POST /api/pull:    model download, streamed as JSON lines

The base URL defaults to http://localhost:11434 and honors OLLAMA_HOST.
*/
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultBaseURL is where a locally started runtime listens.
const DefaultBaseURL = "http://localhost:11434"

// requestTimeout bounds the metadata endpoints. Pulls are bounded only by ctx.
const requestTimeout = 10 * time.Second

// ErrorType categorizes runtime client failures.
type ErrorType int

const (
	// ErrorConnection means the server could not be reached.
	ErrorConnection ErrorType = iota

	// ErrorInvalidResponse means the server answered with something unexpected.
	ErrorInvalidResponse

	// ErrorPullFailed means a model download was rejected or broke off.
	ErrorPullFailed

	// ErrorCancelled means the context ended first.
	ErrorCancelled

	// ErrorBreakerOpen means recent pulls kept failing and new ones are
	// refused until the breaker cools down.
	ErrorBreakerOpen
)

// String returns the error type as a string for logging.
func (t ErrorType) String() string {
	switch t {
	case ErrorConnection:
		return "CONNECTION_FAILED"
	case ErrorInvalidResponse:
		return "INVALID_RESPONSE"
	case ErrorPullFailed:
		return "PULL_FAILED"
	case ErrorCancelled:
		return "CANCELLED"
	case ErrorBreakerOpen:
		return "BREAKER_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ModelError provides structured error information for runtime operations.
type ModelError struct {
	Type ErrorType

	// Model is the model involved, if any.
	Model string

	Message     string
	Detail      string
	Remediation string
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *ModelError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
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

// IsType reports whether err is a *ModelError of type t.
func IsType(err error, t ErrorType) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Type == t
}

// Model is a model available in the runtime.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// PullProgressCallback receives streamed pull progress. total is 0 when the
// server has not reported a size yet.
type PullProgressCallback func(status string, completed, total int64)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server URL. Default: BaseURLFromEnv()
	BaseURL string

	// BreakerFailures is how many consecutive failed pulls open the
	// breaker. Default: 3
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open. Default: 30s
	BreakerCooldown time.Duration

	Logger *slog.Logger
}

// Client talks to the runtime HTTP API.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// BaseURLFromEnv returns OLLAMA_HOST normalized to a URL, or DefaultBaseURL.
func BaseURLFromEnv() string {
	return NormalizeBaseURL(os.Getenv("OLLAMA_HOST"))
}

// NormalizeBaseURL accepts the forms OLLAMA_HOST allows ("host:port",
// "http://host:port", ":port") and returns a URL without a trailing slash.
func NormalizeBaseURL(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return DefaultBaseURL
	}
	if !strings.Contains(host, "://") {
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		host = "http://" + host
	}
	return strings.TrimSuffix(host, "/")
}

// NewClient creates a runtime client.
//
// # Description
//
// Pulls go through a circuit breaker: after BreakerFailures consecutive
// failed pulls, further pulls fail immediately with ErrorBreakerOpen until
// BreakerCooldown passes. Cancelled pulls do not count as failures.
//
// # Inputs
//
//   - config: Client configuration
//
// # Outputs
//
//   - *Client: Ready client; call Close when done
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = BaseURLFromEnv()
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 3
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger
	failures := config.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-pull",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsType(err, ErrorCancelled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		baseURL: NormalizeBaseURL(config.BaseURL),
		http:    &http.Client{Transport: transport},
		breaker: breaker,
		logger:  logger,
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Version returns the server version from /api/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var body struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/version", &body); err != nil {
		return "", err
	}
	if body.Version == "" {
		return "", &ModelError{
			Type:        ErrorInvalidResponse,
			Message:     "Server did not report a version",
			Remediation: fmt.Sprintf("Check that %s is an Ollama server", c.baseURL),
		}
	}
	return body.Version, nil
}

// Ready reports whether the server answers the version probe.
func (c *Client) Ready(ctx context.Context) bool {
	_, err := c.Version(ctx)
	return err == nil
}

// ListModels returns the models available locally.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var body struct {
		Models []Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &body); err != nil {
		return nil, err
	}
	c.logger.Debug("fetched model list", "count", len(body.Models))
	return body.Models, nil
}

// HasModel reports whether name is available locally. "name" and
// "name:latest" are the same model.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeModelName(name)
	for _, m := range models {
		if normalizeModelName(m.Name) == want {
			return true, nil
		}
	}
	return false, nil
}

func normalizeModelName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ":latest")
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &ModelError{Type: ErrorConnection, Message: "Failed to create request", Detail: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ModelError{
			Type:        ErrorInvalidResponse,
			Message:     fmt.Sprintf("%s returned status %d", path, resp.StatusCode),
			Detail:      strings.TrimSpace(string(body)),
			Remediation: "Check the runtime log for errors",
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ModelError{
			Type:        ErrorInvalidResponse,
			Message:     fmt.Sprintf("Failed to parse %s response", path),
			Detail:      err.Error(),
			Remediation: "This may indicate a runtime version mismatch",
		}
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, model string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ModelError{Type: ErrorCancelled, Model: model, Message: "Request cancelled", Detail: ctx.Err().Error()}
	}
	return &ModelError{
		Type:        ErrorConnection,
		Model:       model,
		Message:     "Cannot connect to the runtime",
		Detail:      err.Error(),
		Remediation: fmt.Sprintf("Ensure the runtime is running at %s (ollama serve)", c.baseURL),
	}
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type pullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pull downloads a model, reporting streamed progress to progress (which may
// be nil).
//
// # Description
//
// POSTs to /api/pull with streaming enabled and reads one JSON object per
// line. An "error" field in any line fails the pull. A stream that ends
// without a "success" status is treated as interrupted.
//
// # Outputs
//
//   - error: *ModelError; ErrorBreakerOpen when recent pulls kept failing
func (c *Client) Pull(ctx context.Context, name string, progress PullProgressCallback) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.pull(ctx, name, progress)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ModelError{
			Type:        ErrorBreakerOpen,
			Model:       name,
			Message:     "Model pulls are temporarily suspended after repeated failures",
			Detail:      err.Error(),
			Remediation: "Check network access to the model registry, then re-run",
		}
	}
	return err
}

func (c *Client) pull(ctx context.Context, name string, progress PullProgressCallback) error {
	reqBytes, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return &ModelError{Type: ErrorPullFailed, Model: name, Message: "Failed to encode pull request", Detail: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(reqBytes))
	if err != nil {
		return &ModelError{Type: ErrorConnection, Model: name, Message: "Failed to create request", Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ModelError{
			Type:        ErrorPullFailed,
			Model:       name,
			Message:     fmt.Sprintf("Pull failed with status %d", resp.StatusCode),
			Detail:      strings.TrimSpace(string(body)),
			Remediation: "Check that the model name is correct and the registry is reachable",
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	done := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var prog pullProgress
		if err := json.Unmarshal(line, &prog); err != nil {
			c.logger.Debug("skipping unparseable progress line", "line", string(line), "error", err)
			continue
		}
		if prog.Error != "" {
			return &ModelError{
				Type:        ErrorPullFailed,
				Model:       name,
				Message:     "Pull failed",
				Detail:      prog.Error,
				Remediation: "Check network connection and try again",
			}
		}
		if progress != nil {
			progress(prog.Status, prog.Completed, prog.Total)
		}
		if prog.Status == "success" {
			done = true
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return &ModelError{Type: ErrorCancelled, Model: name, Message: "Pull cancelled", Detail: ctx.Err().Error()}
		}
		return &ModelError{
			Type:        ErrorPullFailed,
			Model:       name,
			Message:     "Error reading pull response",
			Detail:      err.Error(),
			Remediation: "Check network connection and try again",
		}
	}
	if !done {
		return &ModelError{
			Type:        ErrorPullFailed,
			Model:       name,
			Message:     "Pull stream ended before completion",
			Remediation: "Re-run to resume the download",
		}
	}

	c.logger.Info("model pulled", "model", name)
	return nil
}
