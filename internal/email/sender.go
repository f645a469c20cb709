// Package email delivers the transactional notifications for
// validation requests over SMTP.
package email

import "context"

// Sender delivers one plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
