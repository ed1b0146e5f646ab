package billing

import (
	"fmt"
	"strings"
)

// Mode selects which set of provider variants and records are in play.
// Test-mode purchases never unlock live entitlements and vice versa.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// ParseMode parses "test" or "live" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTest:
		return ModeTest, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown billing mode %q (want test or live)", s)
}

// IsTest reports whether m is test mode.
func (m Mode) IsTest() bool {
	return m == ModeTest
}

// Matches reports whether a provider record's test flag belongs to this mode.
func (m Mode) Matches(testMode bool) bool {
	return m.IsTest() == testMode
}

func (m Mode) String() string {
	return string(m)
}
