// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"context"
	"errors"
	"strings"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/sirupsen/logrus"
)

// AttemptResult is what one finished (or skipped) attempt reports
// back to the wave scheduler.
type AttemptResult struct {
	Candidate  Candidate
	Outcome    Outcome
	Diagnostic string

	// Skipped attempts never invoked the external tool (or invoked
	// it after the race was already won) and are excluded from
	// wave accounting.
	Skipped bool

	// Err is set only for infrastructure failures that abort the
	// whole run.
	Err error
}

// InstanceName derives the instance name for one candidate:
// "<base>-<accelerator short name>-<zone>". Distinct candidates map
// to distinct names, so concurrent attempts cannot collide.
func InstanceName(base, acceleratorType, zone string) string {
	short := acceleratorType
	if i := strings.LastIndex(short, "-"); i >= 0 {
		short = short[i+1:]
	}
	return base + "-" + short + "-" + zone
}

// attempt performs a single acquisition attempt for one candidate.
// The creator call is the only blocking point; the success signal is
// consulted immediately before it and immediately after it returns.
func (sch *Scheduler) attempt(ctx context.Context, cand Candidate) AttemptResult {
	if sch.sig.IsSet() || sch.abort.Err() != nil {
		return AttemptResult{Candidate: cand, Skipped: true}
	}

	name := InstanceName(sch.nameBase, cand.AcceleratorType, cand.Zone)
	logger := sch.logger.WithFields(logrus.Fields{
		"Zone":            cand.Zone,
		"AcceleratorType": cand.AcceleratorType,
	})
	logger.Infof("[Start] attempting %s in %s", cand.AcceleratorType, cand.Zone)

	sch.mInFlight.Inc()
	err := sch.creator.Create(ctx, cloud.CreateRequest{
		Name:            name,
		Zone:            cand.Zone,
		AcceleratorType: cand.AcceleratorType,
		MachineType:     sch.machineTypes[cand.AcceleratorType],
	})
	sch.mInFlight.Dec()

	if sch.sig.IsSet() {
		// Another attempt won while this one was in flight, so
		// this result no longer affects scheduling. If this
		// create also succeeded, the extra instance is real and
		// is left for the operator to clean up.
		return AttemptResult{Candidate: cand, Skipped: true}
	}

	if err == nil {
		if sch.sig.TrySet() {
			logger.Infof("[SUCCESS] %s available in %s", cand.AcceleratorType, cand.Zone)
			logger.Infof("[SSH] gcloud compute ssh %s --zone=%s", name, cand.Zone)
		}
		sch.mAttempts.WithLabelValues(OutcomeSuccess.String()).Inc()
		return AttemptResult{Candidate: cand, Outcome: OutcomeSuccess}
	}

	if cloud.IsToolMissing(err) {
		logger.WithError(err).Error("[Error] provisioning tool cannot be invoked, aborting run")
		sch.abort.trip(err)
		return AttemptResult{Candidate: cand, Skipped: true, Err: err}
	}

	stderr := err.Error()
	var cmdErr *cloud.CommandError
	if errors.As(err, &cmdErr) {
		stderr = cmdErr.Stderr
	}
	outcome := Classify(false, stderr)
	diag := lastLine(stderr)
	switch {
	case outcome == OutcomeQuota:
		logger.Warnf("[Fail] %s (%s): quota error, review the console", cand.Zone, cand.AcceleratorType)
	case outcome == OutcomeFatal:
		logger.Errorf("[Error] %s: %s", cand.Zone, diag)
	case isCapacity(stderr):
		logger.Infof("[Fail] %s (%s): capacity exhausted", cand.Zone, cand.AcceleratorType)
	case diag == "":
		logger.Infof("[Fail] %s (%s): unexpected error", cand.Zone, cand.AcceleratorType)
	default:
		logger.Infof("[Fail] %s (%s): %s", cand.Zone, cand.AcceleratorType, diag)
	}
	sch.mAttempts.WithLabelValues(outcome.String()).Inc()
	return AttemptResult{Candidate: cand, Outcome: outcome, Diagnostic: diag}
}
