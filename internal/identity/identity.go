// Package identity derives the scoping key every counter, block and quota is
// attached to. Precedence is authenticated user id, then API key, then source
// address.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Kind names the request attribute a Key was derived from.
type Kind string

const (
	KindUser    Kind = "user"
	KindAPIKey  Kind = "key"
	KindAddress Kind = "ip"
)

// ErrNoIdentity is returned when a request carries no usable attribute.
var ErrNoIdentity = errors.New("request has no user id, API key or source address")

// apiKeyDigestLen is the number of hex characters of the SHA-256 digest kept.
// Raw keys never reach the store or the logs.
const apiKeyDigestLen = 24

// Key is a derived identity. String() is the stable storage form.
type Key struct {
	Kind  Kind
	Value string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Value }

// IsZero reports whether k was never derived.
func (k Key) IsZero() bool { return k.Kind == "" }

// Billable reports whether k can carry a quota plan. Bare addresses cannot.
func (k Key) Billable() bool { return k.Kind == KindUser || k.Kind == KindAPIKey }

// Request is the subset of an inbound request identity derivation looks at.
type Request struct {
	UserID     string
	APIKey     string
	SourceAddr string
}

// Derive picks the highest-precedence attribute present on r.
func Derive(r Request) (Key, error) {
	if u := strings.TrimSpace(r.UserID); u != "" {
		return Key{Kind: KindUser, Value: u}, nil
	}
	if k := strings.TrimSpace(r.APIKey); k != "" {
		return Key{Kind: KindAPIKey, Value: HashAPIKey(k)}, nil
	}
	if a := strings.TrimSpace(r.SourceAddr); a != "" {
		return Key{Kind: KindAddress, Value: Canonical(a)}, nil
	}
	return Key{}, ErrNoIdentity
}

// HashAPIKey returns the truncated hex SHA-256 digest used in place of a raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:apiKeyDigestLen]
}

// Parse reverses Key.String. Strings without a known kind prefix are
// treated as addresses when they parse as IPs and as user ids otherwise.
func Parse(s string) Key {
	if kind, value, ok := strings.Cut(s, ":"); ok {
		switch Kind(kind) {
		case KindUser, KindAPIKey, KindAddress:
			return Key{Kind: Kind(kind), Value: value}
		}
	}
	if _, _, err := ParseAndSanitize(s); err == nil && !strings.Contains(s, "/") {
		return Key{Kind: KindAddress, Value: Canonical(s)}
	}
	return Key{Kind: KindUser, Value: s}
}
