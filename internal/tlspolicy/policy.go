// Package tlspolicy holds the minimum TLS version enforced on outbound
// connections to the datastore and other backends.
//
// The policy is handed to each client constructor instead of mutating
// process-wide defaults, so it is in effect before the first handshake.
package tlspolicy

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// DefaultMinVersion is the floor: some managed datastores reject anything older.
const DefaultMinVersion uint16 = tls.VersionTLS12

// Policy is a minimum TLS version.
type Policy struct {
	MinVersion uint16
}

// Default returns the TLS 1.2 policy.
func Default() Policy {
	return Policy{MinVersion: DefaultMinVersion}
}

// Parse converts "1.2", "1.3", "TLSv1.2" or "TLSv1.3" into a policy.
// Empty input yields the default. Versions below 1.2 are rejected.
func Parse(version string) (Policy, error) {
	v := strings.TrimSpace(version)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "TLSv"), "tlsv")

	switch v {
	case "", "1.2":
		return Policy{MinVersion: tls.VersionTLS12}, nil
	case "1.3":
		return Policy{MinVersion: tls.VersionTLS13}, nil
	case "1.0", "1.1":
		return Policy{}, fmt.Errorf("tls min version %q is below the TLS 1.2 floor", version)
	default:
		return Policy{}, fmt.Errorf("unknown tls min version %q", version)
	}
}

func (p Policy) minVersion() uint16 {
	if p.MinVersion < DefaultMinVersion {
		return DefaultMinVersion
	}
	return p.MinVersion
}

// Apply raises cfg.MinVersion to the policy minimum and returns cfg.
// A nil cfg yields a fresh config. Applying twice has no further effect.
func (p Policy) Apply(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion < p.minVersion() {
		cfg.MinVersion = p.minVersion()
	}
	return cfg
}

// ClientConfig returns a new client TLS config carrying the policy.
func (p Policy) ClientConfig() *tls.Config {
	return p.Apply(nil)
}

func (p Policy) String() string {
	switch p.minVersion() {
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "TLSv1.2"
	}
}
