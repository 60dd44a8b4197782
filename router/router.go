// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package router implements the domain/geo bypass decision of spec §4.4.
// Domain-rule and geo-domain suffix sets are backed by
// github.com/celzero/gotrie, a dependency the teacher's go.mod carries
// (though no teacher source file imports it directly) for exactly this
// suffix/TLD-set membership test, the idiomatic structure for matching a
// host name against a set of domain suffixes; geo-IP ranges use the
// plain sorted-array binary search the spec mandates explicitly (a
// testable property pins this exact algorithm, so it is not swapped for
// a tree structure).
package router

import (
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/celzero/gotrie/trie"
)

// Mode selects how an explicit domain_rules match is interpreted
// (spec §4.4 step 2).
type Mode int

const (
	Bypass Mode = iota
	OnlyVPN
)

// Config is the immutable-after-start router configuration (spec §3
// "Router config").
type Config struct {
	Enabled bool
	Mode    Mode

	DomainRules []string // normalized suffix patterns

	GeoEnabled    bool
	GeoDomainSet  []string // entries starting with "." are TLD rules
	GeoCIDRStarts []netip.Addr // sorted, parallel to GeoCIDREnds
	GeoCIDREnds   []netip.Addr
}

// Router evaluates bypass decisions for a Config.
type Router struct {
	cfg Config

	domainTrie *trie.Trie
	geoTrie    *trie.Trie

	// parallel sorted arrays for §4.4 step 4's binary search
	starts []uint32
	ends   []uint32
}

// New builds a Router from cfg, pre-populating the suffix tries and
// sorting the geo CIDR range arrays. cfg is not retained by reference
// after New returns (Config is immutable per spec §3).
func New(cfg Config) *Router {
	r := &Router{cfg: cfg}

	if len(cfg.DomainRules) > 0 {
		r.domainTrie = trie.NewTrie()
		for _, rule := range cfg.DomainRules {
			r.domainTrie.Set(reverseLabels(normalizeSuffix(rule)), true)
		}
	}
	if cfg.GeoEnabled && len(cfg.GeoDomainSet) > 0 {
		r.geoTrie = trie.NewTrie()
		for _, rule := range cfg.GeoDomainSet {
			r.geoTrie.Set(reverseLabels(normalizeSuffix(strings.TrimPrefix(rule, "."))), true)
		}
	}

	type rng struct{ s, e uint32 }
	ranges := make([]rng, 0, len(cfg.GeoCIDRStarts))
	for i := range cfg.GeoCIDRStarts {
		if i >= len(cfg.GeoCIDREnds) {
			break
		}
		ranges = append(ranges, rng{addrToUint32(cfg.GeoCIDRStarts[i]), addrToUint32(cfg.GeoCIDREnds[i])})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].s < ranges[j].s })
	r.starts = make([]uint32, len(ranges))
	r.ends = make([]uint32, len(ranges))
	for i, rg := range ranges {
		r.starts[i] = rg.s
		r.ends[i] = rg.e
	}

	return r
}

func normalizeSuffix(rule string) string {
	rule = strings.ToLower(strings.TrimSpace(rule))
	return strings.TrimSuffix(rule, ".")
}

// reverseLabels turns "www.example.com" into "com.example.www" so the
// trie's prefix matching becomes a suffix match over domain labels.
func reverseLabels(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func addrToUint32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var ipv4Re = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// IsIPAddress reports whether host is an IPv4 literal (by the exact
// regex spec §4.4 specifies) or an IPv6 literal (any colon present).
func IsIPAddress(host string) bool {
	if strings.Contains(host, ":") {
		return true // IPv6
	}
	return ipv4Re.MatchString(host)
}

// domainRuleMatches reports whether host equals rule or ends with "."+rule,
// case-insensitively, per spec §4.4 step 2/3's matching rule.
func (r *Router) domainRuleMatches(host string) bool {
	if r.domainTrie == nil {
		return false
	}
	return suffixTrieHas(r.domainTrie, host)
}

func (r *Router) geoDomainMatches(host string) bool {
	if r.geoTrie == nil {
		return false
	}
	return suffixTrieHas(r.geoTrie, host)
}

// suffixTrieHas walks host's reversed-label prefixes (the suffixes
// "com", "example.com", "www.example.com"); each rule was inserted once
// as its reversed labels, so true if any suffix of host is a rule.
func suffixTrieHas(t *trie.Trie, host string) bool {
	rev := reverseLabels(normalizeSuffix(host))
	labels := strings.Split(rev, ".")
	acc := ""
	for i, l := range labels {
		if i == 0 {
			acc = l
		} else {
			acc = acc + "." + l
		}
		if _, ok := t.Get(acc); ok {
			return true
		}
	}
	return false
}

// geoHit binary-searches the sorted parallel range arrays for ip,
// exactly as spec §4.4 step 4 requires.
func (r *Router) geoHit(ip netip.Addr) bool {
	if len(r.starts) == 0 || !ip.Is4() {
		return false
	}
	v := addrToUint32(ip)
	i := sort.Search(len(r.starts), func(i int) bool { return r.starts[i] > v })
	if i == 0 {
		return false
	}
	i--
	return v >= r.starts[i] && v <= r.ends[i]
}

// Decide implements the §4.4 decision order for host, which may be an
// IP literal or a domain name.
func (r *Router) Decide(host string) (bypass bool) {
	if !r.cfg.Enabled {
		return false // step 1
	}

	host = normalizeSuffix(host)

	if len(r.cfg.DomainRules) > 0 { // step 2
		matched := r.domainRuleMatches(host)
		if r.cfg.Mode == Bypass {
			return matched
		}
		return !matched // OnlyVPN: non-match means bypass
	}

	if r.cfg.GeoEnabled {
		if !IsIPAddress(host) { // step 3
			if r.geoDomainMatches(host) {
				return true
			}
		} else if addr, err := netip.ParseAddr(host); err == nil { // step 4
			if r.geoHit(addr) {
				return true
			}
		}
	}

	return false
}
