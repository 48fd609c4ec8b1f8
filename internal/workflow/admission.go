package workflow

import (
	"net"
	"net/url"
	"strings"
)

// Admission is the static IPv4-based allow/deny classifier evaluated
// before a scan is allowed to run. Deny wins; an empty Allow list permits
// everything not denied.
type Admission struct {
	Allow []*net.IPNet
	Deny  []*net.IPNet

	// Resolve looks up host's IPv4 addresses. Defaults to net.LookupIP;
	// tests substitute a fake to avoid real DNS resolution.
	Resolve func(host string) ([]net.IP, error)
}

// NewAdmission parses CIDR (or bare IP) entries into an Admission
// classifier. Malformed entries are skipped rather than rejected outright,
// since admission policy is operational configuration, not user input.
func NewAdmission(allow, deny []string) *Admission {
	return &Admission{Allow: parseNets(allow), Deny: parseNets(deny)}
}

func parseNets(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			e += "/32"
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// Permit resolves target's host to an IPv4 address and applies the
// classifier. Targets that cannot be resolved to any IPv4 address are
// denied (fail closed).
func (a *Admission) Permit(target string) bool {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolve := a.Resolve
		if resolve == nil {
			resolve = net.LookupIP
		}
		ips, err := resolve(host)
		if err != nil {
			return false
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil {
			return false
		}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, n := range a.Deny {
		if n.Contains(ip4) {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, n := range a.Allow {
		if n.Contains(ip4) {
			return true
		}
	}
	return false
}
