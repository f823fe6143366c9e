// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/Stefgug/gpu-sniper/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

type stubChecker struct {
	project string
	err     error
}

func (sc stubChecker) ActiveProject(ctx context.Context) (string, error) {
	return sc.project, sc.err
}

func (s *CmdSuite) warnings(checker cloud.ProjectChecker) string {
	var buf bytes.Buffer
	logger := ctxlog.New(&buf, "text", "info")
	warnProjectMismatch(context.Background(), checker, "snipe-test", logger)
	return buf.String()
}

func (s *CmdSuite) TestProjectAdvisory(c *check.C) {
	c.Check(s.warnings(stubChecker{project: "snipe-test"}), check.Equals, "")
	c.Check(s.warnings(stubChecker{project: ""}), check.Matches, `(?ms).*CLOUDSDK_CORE_PROJECT.*`)
	c.Check(s.warnings(stubChecker{project: "other"}), check.Matches, `(?ms).*differs; overriding locally to snipe-test.*`)
	c.Check(s.warnings(stubChecker{err: errors.New("spawn failed")}), check.Matches, `(?ms).*unable to read active gcloud project.*`)
}

func (s *CmdSuite) TestManagementHandler(c *check.C) {
	creator := &stubCreator{fn: func(req cloud.CreateRequest) error {
		return errCapacity()
	}}
	reg := prometheus.NewRegistry()
	sch := New(ctxlog.TestLogger(c), creator, testCandidates(3), testConfig(2, 1), reg)
	_, err := sch.Run(context.Background())
	c.Assert(err, check.IsNil)

	srv := httptest.NewServer(managementHandler(reg, sch, ctxlog.TestLogger(c)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	var status Status
	c.Assert(json.NewDecoder(resp.Body).Decode(&status), check.IsNil)
	c.Check(status.Wave, check.Equals, 1)
	c.Check(status.Candidates, check.Equals, 3)
	c.Check(status.Acquired, check.Equals, false)
	c.Check(status.Totals.Retryable, check.Equals, int64(3))

	resp, err = http.Get(srv.URL + "/metrics")
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	c.Assert(err, check.IsNil)
	c.Check(buf.String(), check.Matches, `(?ms).*gpusniper_waves_total 1.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*gpusniper_attempts_total\{outcome="retryable"\} 3.*`)
}
