// Package resources carries the fallback HSDir/consensus authority
// addresses pkg/directory falls back to when no live consensus fetch
// has populated a ring yet.
//
// The teacher's version of this package embedded an extractable torrc
// template and a generic embedded-resource extraction API for a CLI
// this module does not have (spec.md excludes providing a CLI). Only
// the fallback-authority list survives here, as a compiled-in slice
// rather than a go:embed file, since there is no longer a resource
// bundle worth shipping as a filesystem asset.
package resources

// fallbackAuthorities mirrors the same addresses pkg/directory already
// hardcodes as DefaultAuthorities; this package exists so that list has
// a single source of truth independent of pkg/directory's own defaults,
// matching how the teacher kept authority addresses out of code that
// parses consensus documents.
var fallbackAuthorities = []string{
	"https://194.109.206.212/tor/status-vote/current/consensus.z",
	"https://131.188.40.189/tor/status-vote/current/consensus.z",
	"https://128.31.0.34:9131/tor/status-vote/current/consensus.z",
}

// GetFallbackAuthorities returns the list of fallback directory
// authority URLs used to bootstrap a consensus fetch.
func GetFallbackAuthorities() ([]string, error) {
	out := make([]string, len(fallbackAuthorities))
	copy(out, fallbackAuthorities)
	return out, nil
}
