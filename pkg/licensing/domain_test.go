package licensing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchDomain(t *testing.T) {
	allowed := []string{"example.com", "*.apps.example.org"}

	tests := []struct {
		domain    string
		exact     bool
		wildcard  bool
		subdomain bool
	}{
		{domain: "example.com", exact: true, wildcard: true, subdomain: true},
		{domain: "EXAMPLE.com.", exact: true, wildcard: true, subdomain: true},
		{domain: "api.example.com", exact: false, wildcard: false, subdomain: true},
		{domain: "deep.api.example.com", exact: false, wildcard: false, subdomain: true},
		{domain: "badexample.com", exact: false, wildcard: false, subdomain: false},
		{domain: "web.apps.example.org", exact: false, wildcard: true, subdomain: true},
		{domain: "apps.example.org", exact: false, wildcard: false, subdomain: false},
		{domain: "evil.com", exact: false, wildcard: false, subdomain: false},
		{domain: "", exact: false, wildcard: false, subdomain: false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.exact, MatchDomain(DomainMatchExact, allowed, tt.domain), "exact")
			assert.Equal(t, tt.wildcard, MatchDomain(DomainMatchWildcard, allowed, tt.domain), "wildcard")
			assert.Equal(t, tt.subdomain, MatchDomain(DomainMatchSubdomain, allowed, tt.domain), "subdomain")
		})
	}
}

func TestMatchDomain_EmptyAllowList(t *testing.T) {
	assert.True(t, MatchDomain(DomainMatchExact, nil, "anything.example"))
	assert.True(t, MatchDomain(DomainMatchExact, []string{}, ""))
}

func TestMatchDomain_WildcardEntryInExactMode(t *testing.T) {
	assert.False(t, MatchDomain(DomainMatchExact, []string{"*.example.com"}, "a.example.com"))
	assert.True(t, MatchDomain(DomainMatchExact, []string{"*.example.com"}, "*.example.com"))
	assert.False(t, MatchDomain(DomainMatchWildcard, []string{"*."}, "a.example.com"))
}

func TestParseDomainMatch(t *testing.T) {
	m, err := ParseDomainMatch("")
	require.NoError(t, err)
	assert.Equal(t, DomainMatchExact, m)

	m, err = ParseDomainMatch("Subdomain")
	require.NoError(t, err)
	assert.Equal(t, DomainMatchSubdomain, m)

	_, err = ParseDomainMatch("regex")
	assert.Error(t, err)
}

func TestNormalizeDomains(t *testing.T) {
	got := normalizeDomains([]string{" B.example.com", "a.example.com.", "", "b.example.com"})
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, got)
}
