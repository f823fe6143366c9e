// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the gpu-sniper configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// AcceleratorType is the request configuration for one accelerator
// model.
type AcceleratorType struct {
	// Machine type to request alongside the accelerator, e.g.
	// "n1-standard-4".
	MachineType string
}

// Config is the static configuration surface. All gcloud invocations
// and scheduling decisions derive from it; nothing here is mutated
// after Load returns.
type Config struct {
	// Target GCP project. Required.
	Project string

	// Prefix for created instance names.
	NameBase string

	// Substring filter applied to zone names during discovery,
	// e.g. "europe".
	ZoneFilter string

	// Accelerator model -> request configuration. At least one
	// entry is required.
	AcceleratorTypes map[string]AcceleratorType

	// Maximum number of waves before giving up. -1 means keep
	// trying until a create succeeds.
	MaxWaves int

	// Pause between waves.
	WaveDelay Duration

	// Number of concurrent create attempts within a wave.
	Workers int

	// Instance creation parameters.
	ImageFamily       string
	ImageProject      string
	BootDiskSize      string
	MaintenancePolicy string

	// Command used to invoke the gcloud CLI. Parsed with shell
	// quoting rules, so it can carry global flags, e.g.
	// "gcloud --impersonate-service-account=snipe@proj.iam.gserviceaccount.com".
	GcloudCommand string

	// Optional host:port serving /metrics and /status. Empty
	// disables the management listener.
	ManagementAddr string

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config with all defaults applied and no
// project or accelerator types.
func DefaultConfig() Config {
	return Config{
		NameBase:          "gpu-worker",
		MaxWaves:          -1,
		WaveDelay:         Duration(2 * time.Minute),
		Workers:           6,
		ImageFamily:       "pytorch-2-7-cu128-ubuntu-2204-nvidia-570",
		ImageProject:      "deeplearning-platform-release",
		BootDiskSize:      "200GB",
		MaintenancePolicy: "TERMINATE",
		GcloudCommand:     "gcloud",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads YAML from rdr and returns the resulting Config with
// defaults applied underneath.
func Load(rdr io.Reader) (Config, error) {
	cfg := DefaultConfig()
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, cfg.Check()
}

// LoadFile is Load on the named file.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Check returns an error if the configuration cannot possibly work.
func (cfg Config) Check() error {
	if cfg.Project == "" {
		return errors.New("config must specify Project")
	}
	if len(cfg.AcceleratorTypes) == 0 {
		return errors.New("config must specify at least one entry in AcceleratorTypes")
	}
	for name, at := range cfg.AcceleratorTypes {
		if at.MachineType == "" {
			return fmt.Errorf("AcceleratorTypes entry %q must specify MachineType", name)
		}
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("Workers must be positive (got %d)", cfg.Workers)
	}
	if cfg.MaxWaves < -1 || cfg.MaxWaves == 0 {
		return fmt.Errorf("MaxWaves must be positive or -1 (got %d)", cfg.MaxWaves)
	}
	return nil
}
