// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/Stefgug/gpu-sniper/lib/config"
	"github.com/Stefgug/gpu-sniper/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct{}

// stubCreator fails/succeeds per its fn, and tracks call counts and
// the high-water mark of concurrent in-flight calls.
type stubCreator struct {
	fn          func(req cloud.CreateRequest) error
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (sc *stubCreator) Create(ctx context.Context, req cloud.CreateRequest) error {
	sc.calls.Add(1)
	n := sc.inFlight.Add(1)
	defer sc.inFlight.Add(-1)
	for {
		max := sc.maxInFlight.Load()
		if n <= max || sc.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	return sc.fn(req)
}

func errCapacity() error {
	return &cloud.CommandError{
		Cmd:    "compute instances create x",
		Stderr: "ERROR: ZONE_RESOURCE_POOL_EXHAUSTED: resources exhausted in zone",
		Err:    errors.New("exit status 1"),
	}
}

func testConfig(workers, maxWaves int) config.Config {
	return config.Config{
		Project:  "test-project",
		NameBase: "gpu-worker",
		AcceleratorTypes: map[string]config.AcceleratorType{
			"nvidia-tesla-t4": {MachineType: "n1-standard-4"},
		},
		Workers:   workers,
		MaxWaves:  maxWaves,
		WaveDelay: config.Duration(time.Millisecond),
	}
}

func testCandidates(n int) []Candidate {
	var candidates []Candidate
	for i := 0; i < n; i++ {
		candidates = append(candidates, Candidate{
			Zone:            fmt.Sprintf("zone-%d", i),
			AcceleratorType: "nvidia-tesla-t4",
		})
	}
	return candidates
}

func (s *SchedulerSuite) TestFirstSuccessWins(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(8), testConfig(3, -1), prometheus.NewRegistry())
	result, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(result, check.Equals, ResultAcquired)

	status := sch.Status()
	c.Check(status.Acquired, check.Equals, true)
	// Even though every create call "succeeds", exactly one
	// attempt is allowed to record the win; concurrent winners are
	// discarded by the post-call signal check.
	c.Check(status.Totals.Success, check.Equals, int64(1))
	c.Check(status.Totals.Retryable, check.Equals, int64(0))
	c.Check(creator.calls.Load() <= 8, check.Equals, true)
}

func (s *SchedulerSuite) TestNoNewAttemptsAfterSuccess(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		return nil
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(50), testConfig(2, -1), prometheus.NewRegistry())
	result, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(result, check.Equals, ResultAcquired)
	c.Check(sch.Status().Totals.Success, check.Equals, int64(1))
	// The win stops submission; at most the in-flight attempts
	// (plus one that raced past its begin check) ever reach the
	// external tool.
	c.Check(creator.calls.Load() <= 4, check.Equals, true,
		check.Commentf("creator called %d times", creator.calls.Load()))
}

func (s *SchedulerSuite) TestExhaustedRetries(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		return errCapacity()
	}}
	cfg := testConfig(2, 3)
	cfg.WaveDelay = config.Duration(10 * time.Millisecond)
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(3), cfg, prometheus.NewRegistry())
	t0 := time.Now()
	result, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(result, check.Equals, ResultExhaustedRetries)
	c.Check(creator.calls.Load(), check.Equals, int64(9))
	c.Check(sch.Status().Wave, check.Equals, 3)
	c.Check(sch.Status().Totals.Retryable, check.Equals, int64(9))
	// Two inter-wave sleeps.
	c.Check(time.Since(t0) >= 20*time.Millisecond, check.Equals, true)
}

func (s *SchedulerSuite) TestPerCandidateFailuresNeverAbort(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		switch req.Zone {
		case "zone-0":
			return &cloud.CommandError{Cmd: "create", Stderr: "Quota exceeded for metric", Err: errors.New("exit status 1")}
		case "zone-1":
			return &cloud.CommandError{Cmd: "create", Stderr: "Invalid value for field 'zone'", Err: errors.New("exit status 1")}
		default:
			return errCapacity()
		}
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(3), testConfig(3, 2), prometheus.NewRegistry())
	result, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(result, check.Equals, ResultExhaustedRetries)
	status := sch.Status()
	c.Check(status.Totals.Quota, check.Equals, int64(2))
	// A fatal candidate stays in the pool, so it fails once per
	// wave.
	c.Check(status.Totals.Fatal, check.Equals, int64(2))
	c.Check(status.Totals.Retryable, check.Equals, int64(2))
}

func (s *SchedulerSuite) TestConcurrencyBound(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		time.Sleep(5 * time.Millisecond)
		return errCapacity()
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(20), testConfig(4, 1), prometheus.NewRegistry())
	result, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(result, check.Equals, ResultExhaustedRetries)
	c.Check(creator.calls.Load(), check.Equals, int64(20))
	c.Check(creator.maxInFlight.Load() <= 4, check.Equals, true,
		check.Commentf("max in flight was %d", creator.maxInFlight.Load()))
	c.Check(creator.maxInFlight.Load() >= 2, check.Equals, true)
}

func (s *SchedulerSuite) TestToolMissingAbortsRun(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		time.Sleep(time.Millisecond)
		return &exec.Error{Name: "gcloud", Err: exec.ErrNotFound}
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(50), testConfig(2, -1), prometheus.NewRegistry())
	_, err := sch.Run(context.Background())
	c.Assert(err, check.NotNil)
	c.Check(cloud.IsToolMissing(err), check.Equals, true)
	c.Check(sch.Status().Acquired, check.Equals, false)
	c.Check(creator.calls.Load() < 50, check.Equals, true,
		check.Commentf("creator called %d times", creator.calls.Load()))
}

func (s *SchedulerSuite) TestContextCancel(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		return errCapacity()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(5), testConfig(2, -1), prometheus.NewRegistry())
	_, err := sch.Run(ctx)
	c.Check(err, check.Equals, context.Canceled)
}

func (s *SchedulerSuite) TestSkipWhenAlreadyWon(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		return nil
	}}
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(1), testConfig(1, 1), prometheus.NewRegistry())
	sch.sig.TrySet()
	res := sch.attempt(context.Background(), Candidate{Zone: "z", AcceleratorType: "nvidia-tesla-t4"})
	c.Check(res.Skipped, check.Equals, true)
	c.Check(creator.calls.Load(), check.Equals, int64(0))
}

func (s *SchedulerSuite) TestShuffleSpread(c *check.C) {
	candidates := testCandidates(4)
	firsts := map[Candidate]int{}
	for i := 0; i < 2000; i++ {
		firsts[shuffled(candidates)[0]]++
	}
	for cand, n := range firsts {
		c.Check(n > 350 && n < 650, check.Equals, true,
			check.Commentf("%v was first %d times out of 2000", cand, n))
	}
	c.Check(firsts, check.HasLen, 4)
}

func (s *SchedulerSuite) TestInstanceName(c *check.C) {
	c.Check(InstanceName("gpu-worker", "nvidia-tesla-t4", "europe-west1-b"),
		check.Equals, "gpu-worker-t4-europe-west1-b")
	c.Check(InstanceName("gpu-worker", "nvidia-l4", "us-east4-c"),
		check.Equals, "gpu-worker-l4-us-east4-c")
	c.Check(InstanceName("node", "tpu", "z"), check.Equals, "node-tpu-z")
}
