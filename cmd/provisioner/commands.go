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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/pipeline"
	"github.com/AleutianAI/provisioner/cmd/provisioner/internal/report"
	"github.com/AleutianAI/provisioner/pkg/ux"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

// streams are the process's standard files. Files, not io.Reader/Writer,
// because prompter selection needs terminal detection.
type streams struct {
	in  *os.File
	out *os.File
	err *os.File
}

// options are the persistent flags.
type options struct {
	yes         bool
	configPath  string
	manifest    string
	json        bool
	personality string
}

// exitError carries a specific exit code out of a cobra RunE.
type exitError struct {
	code report.ExitCode
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error   { return &exitError{code: report.ExitUsage, err: err} }
func failureErr(err error) error { return &exitError{code: report.ExitFailure, err: err} }

// execute runs the CLI and returns the process exit code.
//
// Flag and argument errors exit 2. A completed pipeline exits with the
// report's code.
func execute(ctx context.Context, args []string, s streams) report.ExitCode {
	var code report.ExitCode
	root := newRootCmd(s, &code)
	root.SetArgs(args)
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(s.err, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return report.ExitUsage
	}
	return code
}

func newRootCmd(s streams, code *report.ExitCode) *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "provisioner",
		Short: "Provision dependencies, build and verify the trading bot host",
		Long: `provisioner installs the system packages and toolchains the trading bot
needs, builds it from source, starts the local AI runtime, pulls the model
assets and checks that the result runs. Every step is idempotent: a second
run on a provisioned host changes nothing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.personality != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(opts.personality))
			} else {
				ux.InitPersonality()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&opts.yes, "yes", "y", false, "answer yes to every prompt")
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.provisioner/provisioner.yaml)")
	pf.StringVar(&opts.manifest, "manifest", "", "dependency manifest (.yaml or .hcl) replacing the built-in one")
	pf.BoolVar(&opts.json, "json", false, "print the run report as JSON")
	pf.StringVar(&opts.personality, "personality", "", "output style: full, standard, minimal, machine")

	modeCmd := func(mode pipeline.Mode, short string) *cobra.Command {
		return &cobra.Command{
			Use:   string(mode),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := provision(cmd.Context(), mode, opts, s)
				if err != nil {
					return err
				}
				*code = c
				return nil
			},
		}
	}

	root.AddCommand(
		modeCmd(pipeline.ModeRun, "Run every stage: dependencies, build, runtime, assets, health"),
		modeCmd(pipeline.ModeDeps, "Detect the platform and provision dependencies only"),
		modeCmd(pipeline.ModeBuild, "Detect the platform and build the application only"),
		modeCmd(pipeline.ModeVerify, "Check every stage without changing the host"),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the provisioner version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "provisioner %s (%s)\n", version, commit)
}
