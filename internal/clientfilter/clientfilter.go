// Package clientfilter gates new sessions by client IP before they ever
// reach the balancer, adapted from server/client_filter.go's allow/deny
// matcher.
package clientfilter

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

type addrMatcher struct {
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

func newAddrMatcher(filters []string) (*addrMatcher, error) {
	addrs := make([]netip.Addr, 0)
	prefixes := make([]netip.Prefix, 0)

	for _, filter := range filters {
		if strings.Contains(filter, "/") {
			prefix, err := netip.ParsePrefix(filter)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix)
		} else {
			addr, err := netip.ParseAddr(filter)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}
	}

	return &addrMatcher{addrs: addrs, prefixes: prefixes}, nil
}

func (a *addrMatcher) Match(addr netip.Addr) bool {
	unmapped := addr.Unmap()
	for _, candidate := range a.addrs {
		if candidate == unmapped {
			return true
		}
	}
	for _, p := range a.prefixes {
		if p.Contains(unmapped) {
			return true
		}
	}
	return false
}

func (a *addrMatcher) Empty() bool {
	return len(a.addrs) == 0 && len(a.prefixes) == 0
}

// Filter evaluates client IP addresses against a configured allow/deny
// policy. An empty allow list with an empty deny list allows everyone.
type Filter struct {
	allow *addrMatcher
	deny  *addrMatcher
}

// AllowAll is the zero-config filter: every client is admitted.
func AllowAll() *Filter {
	return &Filter{allow: &addrMatcher{}, deny: &addrMatcher{}}
}

// New builds a Filter from configured allow/deny CIDR or address strings.
// A non-empty allow list admits only the addresses it matches and the
// deny list is then ignored; otherwise an address present in deny is
// rejected; otherwise the client is admitted.
func New(allows, denies []string) (*Filter, error) {
	allow, err := newAddrMatcher(allows)
	if err != nil {
		return nil, errors.Wrap(err, "invalid clients_allow entry")
	}
	deny, err := newAddrMatcher(denies)
	if err != nil {
		return nil, errors.Wrap(err, "invalid clients_deny entry")
	}
	return &Filter{allow: allow, deny: deny}, nil
}

// Allow reports whether a new session should be admitted for addr.
func (f *Filter) Allow(addr netip.Addr) bool {
	if !f.allow.Empty() {
		return f.allow.Match(addr)
	}
	if !f.deny.Empty() {
		return !f.deny.Match(addr)
	}
	return true
}
