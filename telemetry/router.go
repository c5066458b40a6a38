// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package telemetry

import (
	"slices"
	"strings"
)

// Partition is a named logical dataset that records are stored in.
type Partition string

// The fixed set of partitions known to the pipeline.
const (
	PartitionTemperature  Partition = "iot_temp_data"
	PartitionGas          Partition = "iot_gas_data"
	PartitionUnclassified Partition = "iot_data"
)

// Rule maps a device identifier prefix to a partition.
type Rule struct {
	Prefix    string
	Partition Partition
}

// Router maps device identifiers to partitions by longest-prefix match. The
// zero value routes everything to the empty partition; use NewRouter or
// DefaultRouter.
type Router struct {
	rules    []Rule
	fallback Partition
}

// NewRouter creates a router from a static set of rules. The declaration order
// of the rules is irrelevant: the longest matching prefix always wins, so a
// prefix that is itself a prefix of another never shadows the more specific
// one. Devices that match no rule go to the fallback partition.
func NewRouter(fallback Partition, rules ...Rule) *Router {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	return &Router{rules: sorted, fallback: fallback}
}

// DefaultRouter returns the router for the deployed device classes.
func DefaultRouter() *Router {
	return NewRouter(
		PartitionUnclassified,
		Rule{Prefix: "device_temp", Partition: PartitionTemperature},
		Rule{Prefix: "device_gas", Partition: PartitionGas},
	)
}

// Route returns the partition for the device. It never fails.
func (r *Router) Route(deviceID string) Partition {
	for _, rule := range r.rules {
		if strings.HasPrefix(deviceID, rule.Prefix) {
			return rule.Partition
		}
	}
	return r.fallback
}

// Partitions enumerates every partition the router can return, fallback last.
func (r *Router) Partitions() []Partition {
	var ps []Partition
	for _, rule := range r.rules {
		if !slices.Contains(ps, rule.Partition) {
			ps = append(ps, rule.Partition)
		}
	}
	if !slices.Contains(ps, r.fallback) {
		ps = append(ps, r.fallback)
	}
	return ps
}
