// Package domain normalizes and validates customer apex domains.
//
// The accepted grammar is a strict subset of RFC 1035 host names:
// ASCII only, at most 253 characters, dot-separated labels of 1–63
// characters drawn from [a-z0-9-], never starting or ending with a
// hyphen. Inputs are trimmed, lowercased, and stripped of a single
// trailing dot before validation, so Normalize("Example.COM.") yields
// "example.com". URLs, IP literals, and anything carrying a port,
// path, or userinfo are rejected.
package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidTarget is the sentinel wrapped by every validation failure.
var ErrInvalidTarget = errors.New("invalid target domain")

const (
	maxDomainLength = 253
	maxLabelLength  = 63
)

// Normalize trims, lowercases, and validates a raw target domain.
// The returned value is safe to use as a store key and DNS query name.
// Normalize is idempotent on its accepted set.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalidTarget)
		}
		if r > 0x7e {
			return "", fmt.Errorf("%w: non-ASCII character", ErrInvalidTarget)
		}
	}

	if strings.Contains(s, "://") {
		return "", fmt.Errorf("%w: must not include a scheme", ErrInvalidTarget)
	}
	if strings.ContainsAny(s, " \t/\\?#@:") {
		return "", fmt.Errorf("%w: contains a forbidden character", ErrInvalidTarget)
	}

	s = strings.ToLower(s)
	s = strings.TrimSuffix(s, ".")

	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if len(s) > maxDomainLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidTarget, maxDomainLength)
	}
	if net.ParseIP(s) != nil {
		return "", fmt.Errorf("%w: IP literals are not accepted", ErrInvalidTarget)
	}

	for _, label := range strings.Split(s, ".") {
		if err := validateLabel(label); err != nil {
			return "", err
		}
	}
	return s, nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidTarget)
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("%w: label longer than %d characters", ErrInvalidTarget, maxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("%w: label %q must not start or end with a hyphen", ErrInvalidTarget, label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("%w: label %q contains %q", ErrInvalidTarget, label, string(c))
		}
	}
	return nil
}
