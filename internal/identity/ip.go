package identity

import (
	"fmt"
	"net"
	"strings"
)

// ParseAndSanitize parses an IP or CIDR string and returns the canonical form.
// Returns an error for unparseable inputs.
func ParseAndSanitize(value string) (string, bool, error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		return network.String(), true, nil
	}

	ip := net.ParseIP(value)
	if ip == nil {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}

	// IPv4-mapped IPv6 (::ffff:1.2.3.4) collapses to IPv4
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), false, nil
	}
	return ip.String(), false, nil
}

// Canonical returns the canonical form of an IP address, or the trimmed input
// unchanged when it is not one. Blocks and allow-list entries are stored
// under this form so "::ffff:1.2.3.4" and "1.2.3.4" share state.
func Canonical(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		return value
	}
	if host, _, err := net.SplitHostPort(value); err == nil && net.ParseIP(host) != nil {
		value = host
	}
	if ip := net.ParseIP(value); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
		return ip.String()
	}
	return value
}

// IsPrivate returns true if the IP/CIDR is RFC1918, loopback, link-local, or ULA.
func IsPrivate(value string) bool {
	var ip net.IP
	if strings.Contains(value, "/") {
		parsedIP, _, err := net.ParseCIDR(value)
		if err != nil {
			return false
		}
		ip = parsedIP
	} else {
		ip = net.ParseIP(value)
	}
	if ip == nil {
		return false
	}

	ip16 := ip.To16()
	for _, block := range privateBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::ffff:10.0.0.0/104",
		"::ffff:172.16.0.0/108",
		"::ffff:192.168.0.0/112",
		"::ffff:127.0.0.0/104",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64",
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid private CIDR: " + cidr)
		}
		blocks = append(blocks, block)
	}
	return blocks
}()

// InNetworks reports whether ip is covered by any of nets. For a CIDR value
// the network address is checked.
func InNetworks(ip string, nets []*net.IPNet) bool {
	var parsed net.IP
	if strings.Contains(ip, "/") {
		p, _, err := net.ParseCIDR(ip)
		if err != nil {
			return false
		}
		parsed = p
	} else {
		parsed = net.ParseIP(ip)
		if parsed == nil {
			return false
		}
	}

	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseNetworks parses IP/CIDR strings into net.IPNet entries. Single IPs
// become /32 or /128.
func ParseNetworks(entries []string) ([]*net.IPNet, error) {
	result := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid network entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid network CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}

// SourceAddress picks the client address: the first X-Forwarded-For hop
// when present, otherwise the connection's remote address without port.
func SourceAddress(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return Canonical(first)
		}
	}
	return Canonical(remoteAddr)
}
