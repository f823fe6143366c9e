// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/Stefgug/gpu-sniper/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Result is the terminal state of a run that did not abort.
type Result int

const (
	// ResultAcquired: exactly one attempt succeeded.
	ResultAcquired Result = iota
	// ResultExhaustedRetries: the configured wave cap was reached
	// without a success. A normal termination, not an error.
	ResultExhaustedRetries
)

func (r Result) String() string {
	switch r {
	case ResultAcquired:
		return "acquired"
	case ResultExhaustedRetries:
		return "exhausted retries"
	default:
		return "unknown"
	}
}

// Totals counts finished attempts by outcome over the whole run.
type Totals struct {
	Success   int64
	Retryable int64
	Quota     int64
	Fatal     int64
	Skipped   int64
}

// Status is a point-in-time view of the scheduler, served as JSON by
// the management API.
type Status struct {
	Wave       int
	Candidates int
	Workers    int
	Acquired   bool
	Totals     Totals
}

// Scheduler owns the outer control loop: it shuffles the candidate
// list each wave, dispatches attempts through a bounded worker pool,
// waits for the wave to drain, and sleeps between waves. The
// scheduler itself runs on a single goroutine; only attempts run
// concurrently.
type Scheduler struct {
	logger       logrus.FieldLogger
	creator      cloud.InstanceCreator
	candidates   []Candidate
	nameBase     string
	machineTypes map[string]string
	workers      int
	maxWaves     int
	waveDelay    time.Duration

	sig   *successSignal
	abort *abortFlag

	mtx    sync.Mutex
	status Status

	mWaves    prometheus.Counter
	mInFlight prometheus.Gauge
	mAttempts *prometheus.CounterVec
}

// New returns a Scheduler racing the given candidates through
// creator, and registers its metrics on reg.
func New(logger logrus.FieldLogger, creator cloud.InstanceCreator, candidates []Candidate, cfg config.Config, reg *prometheus.Registry) *Scheduler {
	machineTypes := make(map[string]string, len(cfg.AcceleratorTypes))
	for atype, at := range cfg.AcceleratorTypes {
		machineTypes[atype] = at.MachineType
	}
	sch := &Scheduler{
		logger:       logger,
		creator:      creator,
		candidates:   candidates,
		nameBase:     cfg.NameBase,
		machineTypes: machineTypes,
		workers:      cfg.Workers,
		maxWaves:     cfg.MaxWaves,
		waveDelay:    cfg.WaveDelay.Duration(),
		sig:          newSuccessSignal(),
		abort:        newAbortFlag(),
		status: Status{
			Candidates: len(candidates),
			Workers:    cfg.Workers,
		},
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	sch.mWaves = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpusniper",
		Name:      "waves_total",
		Help:      "Number of attempt waves started.",
	})
	reg.MustRegister(sch.mWaves)
	sch.mInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpusniper",
		Name:      "attempts_in_flight",
		Help:      "Number of create calls currently blocked on the external tool.",
	})
	reg.MustRegister(sch.mInFlight)
	sch.mAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpusniper",
		Name:      "attempts_total",
		Help:      "Number of finished attempts, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(sch.mAttempts)
}

// Status returns a snapshot of the scheduler state.
func (sch *Scheduler) Status() Status {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	return sch.status
}

// Run races until an attempt succeeds, the wave cap is reached, ctx
// is cancelled, or the external tool turns out to be missing. The
// returned error is non-nil only for the latter two cases.
func (sch *Scheduler) Run(ctx context.Context) (Result, error) {
	for wave := 1; ; wave++ {
		sch.mtx.Lock()
		sch.status.Wave = wave
		sch.mtx.Unlock()
		sch.mWaves.Inc()
		sch.logger.WithFields(logrus.Fields{
			"Wave":       wave,
			"Workers":    sch.workers,
			"Candidates": len(sch.candidates),
		}).Infof("[Wave %d] racing %d candidates with %d workers", wave, len(sch.candidates), sch.workers)

		if err := sch.runWave(ctx); err != nil {
			return 0, err
		}
		if sch.sig.IsSet() {
			sch.mtx.Lock()
			sch.status.Acquired = true
			sch.mtx.Unlock()
			return ResultAcquired, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if sch.maxWaves != -1 && wave >= sch.maxWaves {
			sch.logger.Infof("[Stop] no capacity found within %d waves", wave)
			return ResultExhaustedRetries, nil
		}

		sch.logger.Infof("[Sleep] waiting %s before the next wave", sch.waveDelay)
		backoff := time.NewTimer(sch.waveDelay)
		select {
		case <-backoff.C:
		case <-sch.sig.Done():
			backoff.Stop()
		case <-ctx.Done():
			backoff.Stop()
			return 0, ctx.Err()
		}
	}
}

// runWave submits every candidate, in fresh random order, to a pool
// of sch.workers goroutines, and blocks until all submitted attempts
// have finished. Submission stops as soon as the success signal fires
// or an infrastructure error trips the abort flag; attempts already
// submitted are drained, not interrupted, because the underlying
// blocking call cannot be safely killed mid-flight.
func (sch *Scheduler) runWave(ctx context.Context) error {
	order := shuffled(sch.candidates)

	todo := make(chan Candidate)
	results := make(chan AttemptResult, len(order))
	var wg sync.WaitGroup
	for i := 0; i < sch.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range todo {
				results <- sch.attempt(ctx, cand)
			}
		}()
	}

submit:
	for _, cand := range order {
		select {
		case todo <- cand:
		case <-sch.sig.Done():
			break submit
		case <-sch.abort.done:
			break submit
		case <-ctx.Done():
			break submit
		}
	}
	close(todo)
	wg.Wait()
	close(results)

	var totals Totals
	for res := range results {
		switch {
		case res.Skipped:
			totals.Skipped++
		case res.Outcome == OutcomeSuccess:
			totals.Success++
		case res.Outcome == OutcomeQuota:
			totals.Quota++
		case res.Outcome == OutcomeFatal:
			totals.Fatal++
		default:
			totals.Retryable++
		}
	}
	sch.mtx.Lock()
	sch.status.Totals.Success += totals.Success
	sch.status.Totals.Retryable += totals.Retryable
	sch.status.Totals.Quota += totals.Quota
	sch.status.Totals.Fatal += totals.Fatal
	sch.status.Totals.Skipped += totals.Skipped
	sch.mtx.Unlock()

	if err := sch.abort.Err(); err != nil {
		return fmt.Errorf("provisioning tool unavailable: %w", err)
	}
	return nil
}

// shuffled returns a copy of candidates in fresh random order. The
// shuffle spreads attempts across zones instead of always hammering
// whichever candidate sorts first.
func shuffled(candidates []Candidate) []Candidate {
	order := append([]Candidate(nil), candidates...)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
