// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/provisioner/pkg/ux"
)

// ErrNonInteractive is returned when a prompt is needed but no operator is
// available to answer it.
var ErrNonInteractive = errors.New("confirmation required but running non-interactively (use --yes)")

// UserPrompter asks the operator to confirm destructive actions.
//
// It satisfies pipeline.Prompter.
type UserPrompter interface {
	Confirm(ctx context.Context, prompt string) (bool, error)

	// IsInteractive reports whether a human answers the prompts.
	IsInteractive() bool
}

// InteractivePrompter reads "[y/N]" answers line by line.
type InteractivePrompter struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewInteractivePrompter prompts on stderr and reads stdin.
func NewInteractivePrompter() *InteractivePrompter {
	return NewInteractivePrompterWithIO(os.Stdin, os.Stderr)
}

// NewInteractivePrompterWithIO prompts on w and reads r.
func NewInteractivePrompterWithIO(r io.Reader, w io.Writer) *InteractivePrompter {
	return &InteractivePrompter{reader: bufio.NewReader(r), writer: w}
}

// Confirm prints prompt and returns true only for "y" or "yes".
//
// EOF is a "no". A cancelled ctx returns ctx.Err(), including while waiting
// for input.
func (p *InteractivePrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.writer, "%s [y/N]: ", prompt)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.writer)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, fmt.Errorf("read answer: %w", a.err)
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// IsInteractive implements UserPrompter.
func (p *InteractivePrompter) IsInteractive() bool { return true }

// FormPrompter renders a confirm form on a terminal.
type FormPrompter struct{}

// NewFormPrompter creates a FormPrompter.
func NewFormPrompter() *FormPrompter { return &FormPrompter{} }

// Confirm implements UserPrompter. Aborting the form (ctrl+c, esc) is a "no".
func (p *FormPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(prompt).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("confirm form: %w", err)
	}
	return ok, nil
}

// IsInteractive implements UserPrompter.
func (p *FormPrompter) IsInteractive() bool { return true }

// NonInteractivePrompter rejects every prompt.
type NonInteractivePrompter struct{}

// NewNonInteractivePrompter creates a NonInteractivePrompter.
func NewNonInteractivePrompter() *NonInteractivePrompter { return &NonInteractivePrompter{} }

// Confirm always returns ErrNonInteractive.
func (p *NonInteractivePrompter) Confirm(context.Context, string) (bool, error) {
	return false, ErrNonInteractive
}

// IsInteractive implements UserPrompter.
func (p *NonInteractivePrompter) IsInteractive() bool { return false }

// AutoApprovePrompter answers yes to everything (--yes).
type AutoApprovePrompter struct{}

// NewAutoApprovePrompter creates an AutoApprovePrompter.
func NewAutoApprovePrompter() *AutoApprovePrompter { return &AutoApprovePrompter{} }

// Confirm always returns true.
func (p *AutoApprovePrompter) Confirm(context.Context, string) (bool, error) {
	return true, nil
}

// IsInteractive implements UserPrompter.
func (p *AutoApprovePrompter) IsInteractive() bool { return false }

// MockPrompter is a test double.
type MockPrompter struct {
	ConfirmFunc func(ctx context.Context, prompt string) (bool, error)
	Calls       []string
	mu          sync.Mutex
}

// Confirm records the prompt and delegates to ConfirmFunc (default: no).
func (m *MockPrompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, prompt)
	m.mu.Unlock()
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, prompt)
	}
	return false, nil
}

// IsInteractive implements UserPrompter.
func (m *MockPrompter) IsInteractive() bool { return false }

// selectPrompter picks the prompter for a run.
//
// --yes wins. Otherwise a terminal on both stdin and stderr gets the form
// prompter in full personality and the line prompter elsewhere; anything
// else cannot be asked.
func selectPrompter(yes bool, stdin, stderr *os.File) UserPrompter {
	switch {
	case yes:
		return NewAutoApprovePrompter()
	case !ux.IsTerminal(stdin) || !ux.IsTerminal(stderr):
		return NewNonInteractivePrompter()
	case ux.GetPersonality().Level == ux.PersonalityFull:
		return NewFormPrompter()
	default:
		return NewInteractivePrompterWithIO(stdin, stderr)
	}
}
