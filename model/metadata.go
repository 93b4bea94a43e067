package model

import (
	"regexp"
	"strings"
	"time"
)

// Limits applied to handles and to values merged from untrusted sources.
const (
	MaxHandleLen   = 15
	MaxLocationLen = 100
	MaxDeviceLen   = 50
)

var handleRe = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)

// Metadata describes what is known about a single account. Location and
// Device are empty when the source reported no value for them.
type Metadata struct {
	// Handle is the normalized lowercase account identifier.
	Handle string `json:",omitempty"`
	// Location is the approximate account location, or empty if unknown.
	Location string `json:",omitempty"`
	// LocationAccurate reports whether the source considers Location
	// accurate rather than inferred.
	LocationAccurate bool `json:",omitempty"`
	// Device is the client device or application the account posts from.
	Device string `json:",omitempty"`
	// JoinedAt is the account creation date as reported by the source.
	JoinedAt string `json:",omitempty"`
	// Followers is the follower count at fetch time.
	Followers int64 `json:",omitempty"`
	// VerifiedType describes the account's verification, if any.
	VerifiedType string `json:",omitempty"`
	// FetchedAt is the time this record was obtained.
	FetchedAt time.Time `json:",omitempty"`
}

// Empty reports whether the record carries no useful signal. Empty records
// are not worth caching or contributing.
func (m *Metadata) Empty() bool {
	return m == nil || (m.Location == "" && m.Device == "")
}

// NormalizeHandle converts a raw handle into the canonical cache and
// lookup key: trimmed, without a leading @, lowercased.
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// ValidHandle reports whether s is a normalized handle acceptable as a
// cache key or wire identifier.
func ValidHandle(s string) bool {
	return handleRe.MatchString(s)
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// SanitizeValue prepares a value received from an untrusted source for
// caching: markup is stripped, whitespace is collapsed, and the result is
// capped at max runes. Returns an empty string if nothing survives.
func SanitizeValue(s string, max int) string {
	s = tagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 {
		if r := []rune(s); len(r) > max {
			s = string(r[:max])
		}
	}
	return s
}
