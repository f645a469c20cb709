// Package service implements the DNS validation engine, the polling
// scheduler, and the intake and read-only query flows.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/forwardmx/dnscheck/internal/checker/model"
)

// Limits caps record counts and value lengths in sanitized output.
type Limits struct {
	MaxRecords    int
	MaxTXTRecords int
	MaxTXTLength  int
	MaxHostLength int
}

const ellipsis = "…"

// StripControl removes C0 control characters and DEL.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// CollapseSpaces strips control characters, collapses runs of
// whitespace to single spaces, and trims. Used for log lines, email
// bodies, and TXT comparison.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(StripControl(s)), " ")
}

// DropSpaces strips control characters and removes all whitespace.
// Used for DNS host names, where embedded whitespace is never valid.
func DropSpaces(s string) string {
	return strings.Join(strings.Fields(StripControl(s)), "")
}

// Truncate limits s to max runes, replacing the tail with an ellipsis.
// Strings at or under the limit pass through unchanged, which keeps the
// sanitizers idempotent.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return ellipsis
	}
	return string(runes[:max-1]) + ellipsis
}

// SanitizeLine prepares one external string for logs, email, or
// persisted JSON: control characters stripped, whitespace collapsed,
// length bounded.
func SanitizeLine(s string, max int) string {
	return Truncate(CollapseSpaces(s), max)
}

// hashJoined fingerprints the pre-truncation originals.
func hashJoined(values []string) string {
	h := sha256.Sum256([]byte(strings.Join(values, "\n")))
	return hex.EncodeToString(h[:])
}

// capList sanitizes a record list: every value is stripped and
// length-bounded, the list itself capped at maxItems. When anything
// was cut, the result carries a SHA-256 of the originals.
func capList(values []string, maxItems, maxValueLen int) *model.CappedList {
	out := &model.CappedList{
		Values: make([]string, 0, min(len(values), maxItems)),
		Total:  len(values),
	}
	truncated := len(values) > maxItems
	for i, v := range values {
		if i >= maxItems {
			break
		}
		clean := SanitizeLine(v, maxValueLen)
		if clean != v {
			truncated = true
		}
		out.Values = append(out.Values, clean)
	}
	if truncated {
		out.Truncated = true
		out.Hash = hashJoined(values)
	}
	return out
}
