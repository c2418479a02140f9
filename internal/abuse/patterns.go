package abuse

import (
	"net/url"
	"regexp"
	"strings"
)

type injectionPattern struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"sql_injection", SeverityCritical, regexp.MustCompile(`(?i)(\bunion\b[\s\S]*\bselect\b|'\s*or\s+'?\d*'?\s*=\s*'?\d*|\bor\s+1\s*=\s*1\b|;\s*drop\s+table\b|\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(|\binformation_schema\b)`)},
	{"xss", SeverityCritical, regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|mouseover)\s*=|<\s*iframe\b|<\s*svg[^>]*\bon\w+\s*=)`)},
	{"path_traversal", SeverityHigh, regexp.MustCompile(`(?i)(\.\./|\.\.\\|/etc/passwd\b|\bwin\.ini\b)`)},
	{"command_injection", SeverityHigh, regexp.MustCompile(`(?i)((;|\|\|?|&&)\s*(cat|ls|id|whoami|wget|curl|nc|bash|sh)\b|\$\([^)]*\))`)},
}

var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster", "gobuster", "wpscan", "acunetix", "havij",
}

// decodeForInspection unescapes percent-encoding up to twice so double
// encoded payloads are still matched.
func decodeForInspection(s string) string {
	for i := 0; i < 2; i++ {
		dec, err := url.QueryUnescape(s)
		if err != nil || dec == s {
			break
		}
		s = dec
	}
	return s
}

func matchInjection(subject string) []injectionPattern {
	var out []injectionPattern
	for _, p := range injectionPatterns {
		if p.re.MatchString(subject) {
			out = append(out, p)
		}
	}
	return out
}

func scannerAgent(ua string) string {
	lower := strings.ToLower(ua)
	for _, s := range scannerAgents {
		if strings.Contains(lower, s) {
			return s
		}
	}
	return ""
}
