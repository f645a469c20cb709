package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/forwardmx/dnscheck/internal/checker/model"
)

// sendTimeout bounds one SMTP delivery attempt.
const sendTimeout = 30 * time.Second

// Notifier builds and delivers the two request notifications. Sends
// are fire-and-forget: they run on their own goroutine, are throttled
// so a burst of promotions cannot flood the relay, and failures are
// logged, never surfaced to the validation flow.
type Notifier struct {
	sender  Sender
	to      string
	bodyMax int
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewNotifier creates a Notifier addressing the operator mailbox.
func NewNotifier(sender Sender, to string, bodyMax int, logger *zap.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		to:      to,
		bodyMax: bodyMax,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		logger:  logger,
	}
}

// RequestCreated announces a new validation request.
func (n *Notifier) RequestCreated(_ context.Context, req *model.Request) {
	subject := fmt.Sprintf("[dnscheck] %s validation requested for %s", req.Type, req.Target)
	body := fmt.Sprintf(
		"A new %s validation request was created.\n\nTarget:  %s\nID:      %d\nExpires: %s\n",
		req.Type, req.Target, req.ID, req.ExpiresAt.UTC().Format(time.RFC3339),
	)
	n.dispatch(subject, body)
}

// StatusChange announces a terminal transition. For promotions the
// result summary is included; for expiries result is nil.
func (n *Notifier) StatusChange(_ context.Context, req *model.Request, result *model.CheckResult) {
	subject := fmt.Sprintf("[dnscheck] %s is now %s", req.Target, req.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "Request %d for %s transitioned to %s.\n", req.ID, req.Target, req.Status)
	if req.FailReason != nil {
		fmt.Fprintf(&b, "Reason: %s\n", *req.FailReason)
	}
	if result != nil {
		b.WriteString("\nLast check:\n")
		for _, entry := range result.Missing {
			state := "MISSING"
			if entry.OK {
				state = "ok"
			}
			fmt.Fprintf(&b, "  %-5s %-5s %s: %s\n", entry.Key, state, entry.Name, strings.Join(entry.Found, ", "))
		}
	}
	n.dispatch(subject, b.String())
}

// dispatch caps the body at bodyMax bytes, throttles, and sends in the
// background. Header values are CRLF-stripped later by the SMTP sender.
func (n *Notifier) dispatch(subject, body string) {
	if len(body) > n.bodyMax {
		body = body[:n.bodyMax]
	}
	if !n.limiter.Allow() {
		n.logger.Warn("notification dropped by throttle", zap.String("subject", subject))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.sender.Send(ctx, n.to, subject, body); err != nil {
			n.logger.Warn("notification send failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}()
}
