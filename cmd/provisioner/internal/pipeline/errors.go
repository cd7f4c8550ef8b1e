// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "errors"

// ErrorKind classifies stage failures for reporting and policy.
type ErrorKind int

const (
	// KindTransientAcquisition is a single strategy attempt that failed.
	// It is recorded on the check result and never fails a stage by itself.
	KindTransientAcquisition ErrorKind = iota

	// KindHardDependencyMissing is a required tool that is absent after
	// every strategy was tried, or that has no strategies at all.
	KindHardDependencyMissing

	// KindBuildFailure is a failed fetch or compile of the application.
	// The build stage's checkpoint is restored before it is reported.
	KindBuildFailure

	// KindOptionalAssetFailure is a WarnOnly asset that could not be fetched.
	KindOptionalAssetFailure

	// KindVerificationFailure is a read-only check that did not pass.
	KindVerificationFailure

	// KindRuntimeUnavailable is an AI runtime that did not become ready or
	// could not serve a required asset.
	KindRuntimeUnavailable

	// KindUserDeclined is a refused confirmation prompt.
	KindUserDeclined

	// KindInterrupted is a run cancelled by a signal.
	KindInterrupted

	// KindInternal is an unexpected error or panic inside a stage.
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindTransientAcquisition:  "TransientAcquisition",
	KindHardDependencyMissing: "HardDependencyMissing",
	KindBuildFailure:          "BuildFailure",
	KindOptionalAssetFailure:  "OptionalAssetFailure",
	KindVerificationFailure:   "VerificationFailure",
	KindRuntimeUnavailable:    "RuntimeUnavailable",
	KindUserDeclined:          "UserDeclined",
	KindInterrupted:           "Interrupted",
	KindInternal:              "Internal",
}

// String returns the kind name used in reports.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StageError is the typed error a stage returns to the orchestrator.
type StageError struct {
	Kind ErrorKind

	// Stage is filled in by the orchestrator when the stage leaves it empty.
	Stage string

	// Dependency and Strategy name what failed, when applicable.
	Dependency string
	Strategy   string

	// Remediation is a hint for the operator.
	Remediation string

	// Output is an excerpt of captured command output.
	Output string

	Err error
}

// Wrap creates a StageError of kind around err. A StageError already in the
// chain is returned unchanged.
func Wrap(kind ErrorKind, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: kind, Err: err}
}

// Error implements error.
func (e *StageError) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Dependency != "" {
		msg = e.Dependency + ": " + msg
	}
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	return msg
}

// Unwrap implements errors unwrapping.
func (e *StageError) Unwrap() error {
	return e.Err
}
