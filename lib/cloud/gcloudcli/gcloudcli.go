// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gcloudcli drives the external gcloud command line tool. It
// implements the cloud.ZoneLister, cloud.InstanceCreator, and
// cloud.ProjectChecker interfaces by spawning gcloud processes and
// consuming their JSON or plain-text output.
package gcloudcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// CreateOptions are the instance creation parameters that are the
// same for every attempt in a run.
type CreateOptions struct {
	ImageFamily       string
	ImageProject      string
	BootDiskSize      string
	MaintenancePolicy string
}

// Client invokes gcloud. The zero value is not usable; call New.
//
// All methods are goroutine safe: each call spawns its own process
// and shares only immutable state.
type Client struct {
	command string
	project string
	options CreateOptions
	logger  logrus.FieldLogger

	setupOnce sync.Once
	argv      []string
	environ   []string
	setupErr  error

	// runCmd runs an already-constructed command. Tests replace it
	// to avoid spawning real processes.
	runCmd func(*exec.Cmd) error
}

// New returns a Client that invokes the given command (shell quoting
// rules, so it can carry global flags) against the given project.
func New(command, project string, options CreateOptions, logger logrus.FieldLogger) *Client {
	return &Client{
		command: command,
		project: project,
		options: options,
		logger:  logger,
		runCmd:  (*exec.Cmd).Run,
	}
}

func (cli *Client) setup() {
	cli.argv, cli.setupErr = shlex.Split(cli.command)
	if cli.setupErr == nil && len(cli.argv) == 0 {
		cli.setupErr = fmt.Errorf("invalid gcloud command %q", cli.command)
	}
	// Make sure gcloud agrees with us about the project even if
	// the operator's local configuration points elsewhere. Leave
	// an explicit override in the caller's environment alone.
	cli.environ = os.Environ()
	for _, kv := range cli.environ {
		if strings.HasPrefix(kv, "CLOUDSDK_CORE_PROJECT=") {
			return
		}
	}
	cli.environ = append(cli.environ, "CLOUDSDK_CORE_PROJECT="+cli.project)
}

// run executes gcloud with the given args, filling stdout/stderr. The
// returned error is an *exec-layer error: the caller decides whether
// a nonzero exit is interesting.
func (cli *Client) run(ctx context.Context, stdout, stderr *bytes.Buffer, args ...string) error {
	cli.setupOnce.Do(cli.setup)
	if cli.setupErr != nil {
		return cli.setupErr
	}
	argv := append(append([]string(nil), cli.argv...), args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = cli.environ
	cli.logger.WithField("command", strings.Join(argv, " ")).Debug("executing")
	return cli.runCmd(cmd)
}

// runJSON executes gcloud with --format=json appended and decodes
// stdout into dst.
func (cli *Client) runJSON(ctx context.Context, dst interface{}, args ...string) error {
	var stdout, stderr bytes.Buffer
	err := cli.run(ctx, &stdout, &stderr, append(args, "--format=json")...)
	if err != nil {
		return &cloud.CommandError{
			Cmd:    strings.Join(args, " "),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return json.Unmarshal(stdout.Bytes(), dst)
}

// Zones implements cloud.ZoneLister. Zone names are returned as
// gcloud reports them, which may be URL-qualified.
func (cli *Client) Zones(ctx context.Context, acceleratorType, zoneFilter string) ([]string, error) {
	filter := "name=" + acceleratorType
	if zoneFilter != "" {
		filter += " AND zone:(" + zoneFilter + ")"
	}
	var items []struct {
		Zone string `json:"zone"`
	}
	err := cli.runJSON(ctx, &items,
		"compute", "accelerator-types", "list",
		"--project="+cli.project,
		"--filter="+filter)
	if err != nil {
		return nil, err
	}
	var zones []string
	for _, item := range items {
		if item.Zone != "" {
			zones = append(zones, item.Zone)
		}
	}
	return zones, nil
}

// Create implements cloud.InstanceCreator. It blocks until gcloud
// exits; with a cold resource pool that can take tens of seconds.
func (cli *Client) Create(ctx context.Context, req cloud.CreateRequest) error {
	args := []string{
		"compute", "instances", "create", req.Name,
		"--project=" + cli.project,
		"--zone=" + req.Zone,
		"--machine-type=" + req.MachineType,
		"--accelerator=type=" + req.AcceleratorType + ",count=1",
		"--maintenance-policy=" + cli.options.MaintenancePolicy,
		"--image-family=" + cli.options.ImageFamily,
		"--image-project=" + cli.options.ImageProject,
		"--boot-disk-size=" + cli.options.BootDiskSize,
		"--quiet",
	}
	var stdout, stderr bytes.Buffer
	err := cli.run(ctx, &stdout, &stderr, args...)
	if err != nil {
		return &cloud.CommandError{
			Cmd:    "compute instances create " + req.Name,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// ActiveProject implements cloud.ProjectChecker. It returns "" when
// no project is set in the active gcloud configuration.
func (cli *Client) ActiveProject(ctx context.Context) (string, error) {
	var stdout, stderr bytes.Buffer
	err := cli.run(ctx, &stdout, &stderr, "config", "get-value", "project")
	if err != nil {
		return "", &cloud.CommandError{
			Cmd:    "config get-value project",
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	project := strings.TrimSpace(stdout.String())
	if project == "(unset)" {
		project = ""
	}
	return project, nil
}
