// Package capabilities declares what kind of remediation component this is
// when it talks to a CrowdSec LAPI.
package capabilities

// BouncerType is the component type reported in usage metrics.
const BouncerType = "trafficguard"

// Layer is the traffic layer decisions are enforced at.
const Layer = "application"

// Declared remediation support.
const (
	SupportsBan                 = true
	SupportsRateLimit           = true
	SupportsChallenge           = true // flagged to the caller; the caller renders it
	SupportsCaptcha             = false
	SupportsAppSec              = false
	SupportsPerRequestDecisions = true
)

// Features lists the enforcement stages reported in usage metrics.
var Features = []string{"ratelimit", "blocklist", "ddos", "abuse", "quota"}

// UserAgent is the User-Agent sent to the LAPI for the stream and for metrics.
func UserAgent(version string) string {
	return BouncerType + "/v" + version
}
