// Package locality decides whether a record may be propagated to a region
// under the tenant's data residency rules.
package locality

import (
	"fmt"
	"sort"
	"strings"
)

// Rule is the residency policy for tenants homed in Region.
type Rule struct {
	Region                string   `toml:"region" validate:"required"`
	AllowedRegions        []string `toml:"allowed_regions"`
	DataResidencyRequired bool     `toml:"data_residency_required"`
}

// Decision explains an IsAllowed answer.
type Decision struct {
	TenantID     string
	TenantRegion string
	DataRegion   string
	Allowed      bool
	Reason       string
}

// Guard evaluates rules. It is read-only after construction.
type Guard struct {
	enabled bool
	rules   map[string]rule
}

type rule struct {
	Rule
	allowed map[string]struct{}
}

// NewGuard indexes rules by tenant region. A later rule for the same region
// replaces an earlier one.
func NewGuard(enabled bool, rules []Rule) *Guard {
	g := &Guard{enabled: enabled, rules: make(map[string]rule, len(rules))}
	for _, r := range rules {
		allowed := make(map[string]struct{}, len(r.AllowedRegions))
		for _, a := range r.AllowedRegions {
			allowed[normalize(a)] = struct{}{}
		}
		g.rules[normalize(r.Region)] = rule{Rule: r, allowed: allowed}
	}
	return g
}

// Enabled reports whether enforcement is on.
func (g *Guard) Enabled() bool {
	return g != nil && g.enabled
}

// IsAllowed reports whether data of a tenant homed in tenantRegion may live
// in dataRegion.
func (g *Guard) IsAllowed(tenantRegion, dataRegion string) bool {
	return g.Check("", tenantRegion, dataRegion).Allowed
}

// Check is IsAllowed with the reason attached.
func (g *Guard) Check(tenantID, tenantRegion, dataRegion string) Decision {
	d := Decision{TenantID: tenantID, TenantRegion: tenantRegion, DataRegion: dataRegion}

	if !g.Enabled() {
		d.Allowed, d.Reason = true, "enforcement disabled"
		return d
	}

	r, ok := g.rules[normalize(tenantRegion)]
	switch {
	case !ok:
		d.Allowed, d.Reason = true, "no rule for tenant region"
	case !r.DataResidencyRequired:
		d.Allowed, d.Reason = true, "residency not required"
	default:
		if _, in := r.allowed[normalize(dataRegion)]; in {
			d.Allowed, d.Reason = true, "region in allow-list"
		} else {
			d.Allowed = false
			d.Reason = fmt.Sprintf("region %s not in allow-list [%s]", dataRegion, strings.Join(sorted(r.AllowedRegions), ","))
		}
	}
	return d
}

// Filter splits candidates into allowed and denied regions, preserving order.
func (g *Guard) Filter(tenantRegion string, candidates []string) (allowed, denied []string) {
	for _, c := range candidates {
		if g.IsAllowed(tenantRegion, c) {
			allowed = append(allowed, c)
		} else {
			denied = append(denied, c)
		}
	}
	return allowed, denied
}

func normalize(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
