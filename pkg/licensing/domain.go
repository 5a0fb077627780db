package licensing

import (
	"fmt"
	"strings"
)

// DomainMatch selects how authorized domain entries are compared
type DomainMatch string

const (
	// DomainMatchExact accepts only identical names
	DomainMatchExact DomainMatch = "exact"
	// DomainMatchWildcard also honors "*.example.com" entries
	DomainMatchWildcard DomainMatch = "wildcard"
	// DomainMatchSubdomain also lets "example.com" cover its subdomains
	DomainMatchSubdomain DomainMatch = "subdomain"
)

// Valid reports whether m is a known mode
func (m DomainMatch) Valid() bool {
	switch m {
	case DomainMatchExact, DomainMatchWildcard, DomainMatchSubdomain:
		return true
	default:
		return false
	}
}

// ParseDomainMatch validates a mode name. Empty means exact.
func ParseDomainMatch(s string) (DomainMatch, error) {
	if s == "" {
		return DomainMatchExact, nil
	}
	m := DomainMatch(strings.ToLower(s))
	if !m.Valid() {
		return "", fmt.Errorf("unknown domain match mode %q", s)
	}
	return m, nil
}

// NormalizeDomain lowercases a host name and drops surrounding space and a trailing dot
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// MatchDomain reports whether domain is covered by the allow-list. An
// empty allow-list places no restriction.
func MatchDomain(mode DomainMatch, allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}

	for _, entry := range allowed {
		entry = NormalizeDomain(entry)
		if entry == domain {
			return true
		}
		switch mode {
		case DomainMatchWildcard:
			if matchWildcard(entry, domain) {
				return true
			}
		case DomainMatchSubdomain:
			if matchWildcard(entry, domain) || strings.HasSuffix(domain, "."+entry) {
				return true
			}
		}
	}
	return false
}

func matchWildcard(entry, domain string) bool {
	suffix, ok := strings.CutPrefix(entry, "*.")
	if !ok || suffix == "" {
		return false
	}
	return strings.HasSuffix(domain, "."+suffix)
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = NormalizeDomain(d); d != "" {
			out = append(out, d)
		}
	}
	return sortedUnique(out)
}
