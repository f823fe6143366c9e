// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/Stefgug/gpu-sniper/lib/cloud/gcloudcli"
	"github.com/Stefgug/gpu-sniper/lib/cmd"
	"github.com/Stefgug/gpu-sniper/lib/config"
	"github.com/Stefgug/gpu-sniper/sdk/go/ctxlog"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RunCommand implements the "run" subcommand: discover candidates
// once, then race creation attempts in waves until one wins.
var RunCommand cmd.Handler = runCommand{}

// ZonesCommand implements the "zones" subcommand: run discovery only
// and print the candidate set.
var ZonesCommand cmd.Handler = zonesCommand{}

type runCommand struct{}

func (runCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "gpu-sniper.yml", "`path` to configuration file")
	maxWaves := flags.Int("max-waves", 0, "maximum number of waves, -1 for unbounded (overrides config)")
	workers := flags.Int("workers", 0, "concurrent attempts per wave (overrides config)")
	var waveDelay config.Duration
	flags.Var(&waveDelay, "wave-delay", "pause between waves, e.g. \"2m\" (overrides config)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return 1
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-waves":
			cfg.MaxWaves = *maxWaves
		case "workers":
			cfg.Workers = *workers
		case "wave-delay":
			cfg.WaveDelay = waveDelay
		}
	})
	if err = cfg.Check(); err != nil {
		return 1
	}

	// Replace the bootstrap logger with one configured per the
	// config file.
	logger = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := gcloudcli.New(cfg.GcloudCommand, cfg.Project, gcloudcli.CreateOptions{
		ImageFamily:       cfg.ImageFamily,
		ImageProject:      cfg.ImageProject,
		BootDiskSize:      cfg.BootDiskSize,
		MaintenancePolicy: cfg.MaintenancePolicy,
	}, logger)

	warnProjectMismatch(ctx, client, cfg.Project, logger)

	logger.Info("[Init] discovering eligible zones")
	candidates, err := BuildCandidates(ctx, logger, client, cfg.AcceleratorTypes, cfg.ZoneFilter)
	if errors.Is(err, ErrNoCandidates) {
		logger.Error("[Error] no zones found, verify Project and IAM permissions")
		return 1
	} else if err != nil {
		return 1
	}
	logger.Infof("[Init] total combinations to test: %d", len(candidates))

	reg := prometheus.NewRegistry()
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpusniper",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	sch := New(logger, client, candidates, cfg, reg)

	if cfg.ManagementAddr != "" {
		srv := &http.Server{
			Addr:    cfg.ManagementAddr,
			Handler: managementHandler(reg, sch, logger),
		}
		defer srv.Close()
		go func() {
			logger.WithField("Listen", srv.Addr).Info("management listener starting")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				logger.WithError(err).Error("management listener failed")
			}
		}()
	}

	result, err := sch.Run(ctx)
	if err != nil {
		return 1
	}
	logger.WithField("Result", result.String()).Info("done")
	return 0
}

type zonesCommand struct{}

func (zonesCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "gpu-sniper.yml", "`path` to configuration file")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return 1
	}

	client := gcloudcli.New(cfg.GcloudCommand, cfg.Project, gcloudcli.CreateOptions{}, logger)
	candidates, err := BuildCandidates(context.Background(), logger, client, cfg.AcceleratorTypes, cfg.ZoneFilter)
	if errors.Is(err, ErrNoCandidates) {
		fmt.Fprintln(stderr, "no eligible zones found")
		return 1
	} else if err != nil {
		return 1
	}
	for _, cand := range candidates {
		fmt.Fprintf(stdout, "%s\t%s\n", cand.Zone, cand.AcceleratorType)
	}
	return 0
}

// warnProjectMismatch emits an advisory when the ambient gcloud
// configuration points at a different project than the configured
// target. It never blocks the run or changes scheduler behavior.
func warnProjectMismatch(ctx context.Context, checker cloud.ProjectChecker, project string, logger logrus.FieldLogger) {
	active, err := checker.ActiveProject(ctx)
	if err != nil {
		logger.WithError(err).Warn("unable to read active gcloud project")
		return
	}
	switch active {
	case project:
	case "":
		logger.Warnf("no active gcloud project; forcing %s via CLOUDSDK_CORE_PROJECT. Run `gcloud config set project %s` to persist.", project, project)
	default:
		logger.Warnf("active gcloud project %q differs; overriding locally to %s. Run `gcloud config set project %s` to persist.", active, project, project)
	}
}

func managementHandler(reg *prometheus.Registry, sch *Scheduler, logger *logrus.Logger) http.Handler {
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/metrics.json", metricsH)
	mux.HandlerFunc("GET", "/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sch.Status())
	})
	return mux
}
