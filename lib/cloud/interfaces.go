// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the narrow interfaces between the acquisition
// scheduler and the external provisioning tool.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// A ZoneLister reports which zones offer a given accelerator type.
//
// Zone names may come back in a long URL-qualified form
// (".../projects/p/zones/europe-west1-b"); callers are expected to
// normalize them. A lister should return an empty slice, not an
// error, when it can't tell -- but implementations that do return
// errors are tolerated: discovery errors degrade the candidate set,
// they never abort a run.
type ZoneLister interface {
	Zones(ctx context.Context, acceleratorType, zoneFilter string) ([]string, error)
}

// A CreateRequest fully describes one instance creation attempt.
type CreateRequest struct {
	Name            string
	Zone            string
	AcceleratorType string
	MachineType     string
}

// An InstanceCreator attempts to create one instance, synchronously.
// A nil error means the instance exists. The call blocks for as long
// as the external tool takes; there is deliberately no timeout here.
//
// The returned error should be (or wrap) a *CommandError when the
// tool ran and failed, so the caller can classify the failure from
// its diagnostic output.
type InstanceCreator interface {
	Create(ctx context.Context, req CreateRequest) error
}

// A ProjectChecker reports the project the external tool's ambient
// configuration currently points at. Advisory only.
type ProjectChecker interface {
	ActiveProject(ctx context.Context) (string, error)
}

// CommandError is returned by collaborators when the external tool
// ran and exited nonzero.
type CommandError struct {
	Cmd    string // human-readable command line, for logs
	Stderr string // diagnostic output from the tool
	Err    error  // underlying exec error (e.g. *exec.ExitError)
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsToolMissing reports whether err means the external tool itself
// cannot be invoked at all (not installed / not on PATH). This is the
// one infrastructure failure that must abort a whole run instead of
// failing a single attempt.
func IsToolMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
