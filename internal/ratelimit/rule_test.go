package ratelimit

import (
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]string{"login=15m:5:closed", " api=1m:100 ", ""})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, Rule{Name: "api", Window: time.Minute, Max: 100, FailMode: policy.FailOpen}, rules[0])
	assert.Equal(t, Rule{Name: "login", Window: 15 * time.Minute, Max: 5, FailMode: policy.FailClosed}, rules[1])
}

func TestParseRulesErrors(t *testing.T) {
	bad := [][]string{
		{"api"},
		{"=1m:5"},
		{"api=1m"},
		{"api=soon:5"},
		{"api=1m:many"},
		{"api=1m:5:sometimes"},
		{"api=0s:5"},
		{"api=1m:0"},
		{"api=1m:5", "api=2m:5"},
	}
	for _, entries := range bad {
		_, err := ParseRules(entries)
		assert.Error(t, err, "entries %v", entries)
	}
}

func TestDefaultRulesValid(t *testing.T) {
	for _, r := range DefaultRules() {
		assert.NoError(t, r.Validate(), r.Name)
	}
}
