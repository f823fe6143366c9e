// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/Stefgug/gpu-sniper/lib/cloud"
	"github.com/Stefgug/gpu-sniper/lib/config"
	"github.com/sirupsen/logrus"
)

// A Candidate is one (zone, accelerator type) combination eligible
// for an acquisition attempt. Immutable once built.
type Candidate struct {
	Zone            string
	AcceleratorType string
}

// ErrNoCandidates means discovery found no (zone, accelerator type)
// combination at all, so there is nothing to race over.
var ErrNoCandidates = errors.New("no eligible zones found for any configured accelerator type")

// BuildCandidates queries the given lister once per accelerator type
// and returns the deduplicated union of all (zone, accelerator type)
// combinations, sorted. A discovery error for one accelerator type
// contributes zero candidates for that type and is otherwise ignored.
func BuildCandidates(ctx context.Context, logger logrus.FieldLogger, lister cloud.ZoneLister, acceleratorTypes map[string]config.AcceleratorType, zoneFilter string) ([]Candidate, error) {
	types := make([]string, 0, len(acceleratorTypes))
	for atype := range acceleratorTypes {
		types = append(types, atype)
	}
	sort.Strings(types)

	seen := map[Candidate]bool{}
	var candidates []Candidate
	for _, atype := range types {
		zones, err := lister.Zones(ctx, atype, zoneFilter)
		if err != nil {
			logger.WithError(err).WithField("AcceleratorType", atype).Warn("zone discovery failed, skipping accelerator type")
			continue
		}
		added := 0
		for _, zone := range zones {
			cand := Candidate{Zone: normalizeZone(zone), AcceleratorType: atype}
			if cand.Zone == "" || seen[cand] {
				continue
			}
			seen[cand] = true
			candidates = append(candidates, cand)
			added++
		}
		logger.WithFields(logrus.Fields{
			"AcceleratorType": atype,
			"Zones":           added,
		}).Info("[Init] zones detected")
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Zone != candidates[j].Zone {
			return candidates[i].Zone < candidates[j].Zone
		}
		return candidates[i].AcceleratorType < candidates[j].AcceleratorType
	})
	return candidates, nil
}

// normalizeZone reduces a possibly URL-qualified zone identifier
// (".../projects/p/zones/europe-west1-b") to its trailing short name.
func normalizeZone(zone string) string {
	if i := strings.LastIndex(zone, "/"); i >= 0 {
		zone = zone[i+1:]
	}
	return strings.TrimSpace(zone)
}
