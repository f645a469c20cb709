// Package model holds the persisted and wire types for DNS validation
// requests.
package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a validation request.
type Status string

// Request lifecycle states. ACTIVE, EXPIRED, and FAILED are terminal.
const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether a request in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusExpired || s == StatusFailed
}

// RequestType distinguishes the validation profile requested.
type RequestType string

// Request types. UI is a retired alias kept for historical rows; new
// submissions are always EMAIL.
const (
	TypeUI    RequestType = "UI"
	TypeEmail RequestType = "EMAIL"
)

// Request is one row of dns_requests.
type Request struct {
	ID                  int64       `json:"id"`
	Target              string      `json:"target"`
	Type                RequestType `json:"type"`
	Status              Status      `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	ActivatedAt         *time.Time  `json:"activated_at,omitempty"`
	LastCheckedAt       *time.Time  `json:"last_checked_at,omitempty"`
	NextCheckAt         *time.Time  `json:"next_check_at,omitempty"`
	ExpiresAt           time.Time   `json:"expires_at"`
	LastCheckResultJSON *string     `json:"-"`
	FailReason          *string     `json:"fail_reason,omitempty"`
}

// Key returns the scheduler key for this request.
func (r *Request) Key() string {
	return JobKey(r.Type, r.Target)
}

// JobKey builds the "{type}:{target}" key used by the scheduler and
// the read-only debounce map.
func JobKey(typ RequestType, target string) string {
	return fmt.Sprintf("%s:%s", typ, target)
}
