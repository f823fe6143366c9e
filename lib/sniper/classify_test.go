// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClassifySuite{})

type ClassifySuite struct{}

func (s *ClassifySuite) TestExitSuccessAlwaysWins(c *check.C) {
	for _, stderr := range []string{
		"",
		"ERROR: resources exhausted",
		"Quota exceeded for metric",
		"Invalid value for field zone",
	} {
		c.Check(Classify(true, stderr), check.Equals, OutcomeSuccess)
	}
}

func (s *ClassifySuite) TestClassify(c *check.C) {
	for _, trial := range []struct {
		stderr string
		want   Outcome
	}{
		{"ERROR: resources exhausted in zone", OutcomeRetryable},
		{"The zone does not have enough resources available", OutcomeRetryable},
		{"GPUs not available in this zone", OutcomeRetryable},
		{"RESOURCES EXHAUSTED", OutcomeRetryable},
		{"Quota exceeded for metric NVIDIA_T4_GPUS", OutcomeQuota},
		{"quota 'GPUS_ALL_REGIONS' exceeded", OutcomeQuota},
		{"Invalid value for field 'zone'", OutcomeFatal},
		{"The resource 'projects/p/zones/nope' was not found", OutcomeFatal},
		{"something else entirely", OutcomeRetryable},
		{"", OutcomeRetryable},
	} {
		c.Check(Classify(false, trial.stderr), check.Equals, trial.want,
			check.Commentf("stderr: %q", trial.stderr))
	}
}

func (s *ClassifySuite) TestCapacityBeatsQuota(c *check.C) {
	// Capacity markers are checked before the quota marker.
	c.Check(Classify(false, "quota ok but resources exhausted"), check.Equals, OutcomeRetryable)
}

func (s *ClassifySuite) TestOutcomeString(c *check.C) {
	c.Check(OutcomeSuccess.String(), check.Equals, "success")
	c.Check(OutcomeRetryable.String(), check.Equals, "retryable")
	c.Check(OutcomeQuota.String(), check.Equals, "quota")
	c.Check(OutcomeFatal.String(), check.Equals, "fatal")
}

func (s *ClassifySuite) TestLastLine(c *check.C) {
	c.Check(lastLine("one\ntwo\nthree\n"), check.Equals, "three")
	c.Check(lastLine("one\n\n  \n"), check.Equals, "one")
	c.Check(lastLine("  only  "), check.Equals, "only")
	c.Check(lastLine(""), check.Equals, "")
}
