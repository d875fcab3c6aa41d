// Package pairing holds the time-boxing rule for phone-number pairing codes.
// Values are immutable; the supervisor owns storage and replacement.
package pairing

import (
	"strings"
	"time"
)

// Validity is how long an issued code may be entered on the phone.
const Validity = 180 * time.Second

const groupSize = 4

// Code is a pairing code with its issuance window. The zero value means no
// code is present.
type Code struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issue stamps value with a fresh validity window starting at now. Any prior
// code is simply dropped by the caller; there is never more than one.
func Issue(value string, now time.Time) Code {
	return Code{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(Validity),
	}
}

// Clear returns the absent code.
func Clear() Code {
	return Code{}
}

// Present reports whether a code has been issued.
func (c Code) Present() bool {
	return c.Value != "" && !c.ExpiresAt.IsZero()
}

// Valid reports whether the code is present and now is before its expiry.
func (c Code) Valid(now time.Time) bool {
	return c.Present() && now.Before(c.ExpiresAt)
}

// RemainingSeconds is the whole number of seconds left, never negative.
func (c Code) RemainingSeconds(now time.Time) int {
	if !c.Present() {
		return 0
	}

	remaining := c.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}

	return int(remaining / time.Second)
}

// Same reports whether c and other are the same issuance.
func (c Code) Same(other Code) bool {
	return c.Value == other.Value && c.IssuedAt.Equal(other.IssuedAt)
}

// Supersedes reports whether c was issued after old.
func (c Code) Supersedes(old Code) bool {
	return c.Present() && (!old.Present() || c.IssuedAt.After(old.IssuedAt))
}

// ValidAgainst reports whether candidate is still the live code, which is
// false for any code that current has superseded.
func (c Code) ValidAgainst(candidate Code, now time.Time) bool {
	return c.Same(candidate) && c.Valid(now)
}

// Format groups a raw code into blocks of four joined by dashes. Codes that
// already contain separators are normalised first.
func Format(raw string) string {
	compact := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(raw))
	if len(compact) <= groupSize {
		return compact
	}

	var b strings.Builder
	for i := 0; i < len(compact); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := min(i+groupSize, len(compact))
		b.WriteString(compact[i:end])
	}

	return b.String()
}
