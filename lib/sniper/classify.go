// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sniper races concurrent instance creation attempts across
// every (zone, accelerator type) combination that offers the wanted
// hardware, and stops as soon as one attempt wins.
package sniper

import "strings"

// Outcome is the classification of one finished attempt.
type Outcome int

const (
	// OutcomeSuccess: the instance exists.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable: transient per-candidate failure (typically
	// capacity); the same candidate may succeed in a later wave.
	OutcomeRetryable
	// OutcomeQuota: retryable like OutcomeRetryable, but caused by
	// a project quota rather than a capacity race, so it gets a
	// distinct operator-facing message.
	OutcomeQuota
	// OutcomeFatal: this candidate will never succeed (malformed
	// request, unknown zone). Scoped to the candidate; the run
	// continues.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeQuota:
		return "quota"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var capacityMarkers = []string{"resources", "exhausted", "not available"}

// Classify maps a raw attempt result (exit status plus diagnostic
// text) to an Outcome. Marker checks are case-insensitive and applied
// in priority order; an unrecognized failure is retryable. No
// classification ever escalates beyond the candidate being attempted.
func Classify(exitSuccess bool, stderr string) Outcome {
	if exitSuccess {
		return OutcomeSuccess
	}
	text := strings.ToLower(stderr)
	for _, marker := range capacityMarkers {
		if strings.Contains(text, marker) {
			return OutcomeRetryable
		}
	}
	if strings.Contains(text, "quota") {
		return OutcomeQuota
	}
	if strings.Contains(text, "invalid") || strings.Contains(text, "not found") {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

// isCapacity distinguishes the "capacity exhausted" flavor of
// OutcomeRetryable from the generic one, for logging.
func isCapacity(stderr string) bool {
	text := strings.ToLower(stderr)
	for _, marker := range capacityMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// lastLine returns the last nonempty line of text, for one-line
// diagnostics.
func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
