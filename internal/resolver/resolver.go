// Package resolver is a typed DNS lookup facade over github.com/miekg/dns.
//
// Lookups go to the configured nameservers in turn (one pass per lookup;
// a failed lookup is left to the next poll cycle) and are bounded by a
// per-query timeout. NXDOMAIN and NODATA
// are not errors: the record simply is not published yet, which is the
// normal state for a target mid-setup, so those cases return an empty
// slice. Timeouts surface as *TimeoutError tagged with the record type
// and query name.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// MX is one mail-exchanger record.
type MX struct {
	Exchange string `json:"exchange"`
	Priority uint16 `json:"priority"`
}

// Resolver is the lookup surface the validation engine depends on.
// *Client satisfies it; tests substitute a scripted fake.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) ([]string, error)
	LookupMX(ctx context.Context, host string) ([]MX, error)
	LookupTXT(ctx context.Context, host string) ([]string, error)
	LookupA(ctx context.Context, host string) ([]string, error)
	LookupAAAA(ctx context.Context, host string) ([]string, error)
}

// TimeoutError reports a lookup that exceeded the query timeout.
type TimeoutError struct {
	RecordType string
	Name       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dns timeout resolving %s %s", e.RecordType, e.Name)
}

// IsTimeout reports whether err is (or wraps) a resolver timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// exchangeFunc matches mdns.Client.ExchangeContext; tests override it.
type exchangeFunc func(ctx context.Context, m *mdns.Msg, addr string) (*mdns.Msg, time.Duration, error)

// Client resolves against a fixed set of nameservers.
type Client struct {
	servers     []string
	timeout     time.Duration
	retries     int
	exchange    exchangeFunc
	exchangeTCP exchangeFunc
}

// New creates a Client querying the given "ip:port" nameservers.
func New(servers []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	udp := &mdns.Client{Timeout: timeout}
	tcp := &mdns.Client{Net: "tcp", Timeout: timeout}
	return &Client{
		servers:     servers,
		timeout:     timeout,
		retries:     0,
		exchange:    udp.ExchangeContext,
		exchangeTCP: tcp.ExchangeContext,
	}
}

// NormalizeHost lowercases a host and strips the trailing dot.
func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}

// NormalizeIP lowercases and trims an IP string.
func NormalizeIP(ip string) string {
	return strings.ToLower(strings.TrimSpace(ip))
}

// query sends one question to each configured server in turn, running
// the whole rotation retries+1 times at most. NXDOMAIN short-circuits:
// asking another server will not make the name exist.
func (c *Client) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	typeName := mdns.TypeToString[qtype]
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		for _, server := range c.servers {
			select {
			case <-qctx.Done():
				return nil, &TimeoutError{RecordType: typeName, Name: name}
			default:
			}

			resp, _, err := c.exchange(qctx, m, server)
			if err != nil {
				if isTimeoutErr(err) {
					lastErr = &TimeoutError{RecordType: typeName, Name: name}
				} else {
					lastErr = fmt.Errorf("dns query %s %s @%s: %w", typeName, name, server, err)
				}
				continue
			}
			if resp.Truncated {
				// Retry over TCP; a truncated UDP answer is incomplete.
				resp, _, err = c.exchangeTCP(qctx, m, server)
				if err != nil {
					if isTimeoutErr(err) {
						lastErr = &TimeoutError{RecordType: typeName, Name: name}
					} else {
						lastErr = fmt.Errorf("dns tcp retry %s %s @%s: %w", typeName, name, server, err)
					}
					continue
				}
				if resp.Truncated {
					lastErr = fmt.Errorf("dns response truncated for %s %s @%s", typeName, name, server)
					continue
				}
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				// NXDOMAIN: definitive empty answer.
				return nil, nil
			case mdns.RcodeRefused:
				lastErr = fmt.Errorf("dns query %s %s refused by %s", typeName, name, server)
			default:
				lastErr = fmt.Errorf("dns query %s %s @%s: rcode %s", typeName, name, server, mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns query %s %s: no nameservers configured", typeName, name)
	}
	return nil, lastErr
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// LookupCNAME returns the CNAME targets published for host, normalized.
func (c *Client) LookupCNAME(ctx context.Context, host string) ([]string, error) {
	resp, err := c.query(ctx, host, mdns.TypeCNAME)
	if err != nil || resp == nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*mdns.CNAME); ok {
			out = append(out, NormalizeHost(cname.Target))
		}
	}
	return out, nil
}

// LookupMX returns MX records for host, sorted by priority.
func (c *Client) LookupMX(ctx context.Context, host string) ([]MX, error) {
	resp, err := c.query(ctx, host, mdns.TypeMX)
	if err != nil || resp == nil {
		return nil, err
	}
	var out []MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			out = append(out, MX{
				Exchange: NormalizeHost(mx.Mx),
				Priority: mx.Preference,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// LookupTXT returns TXT records for host. Character-string chunks of a
// single record are concatenated without a separator, per RFC 7208 §3.3.
func (c *Client) LookupTXT(ctx context.Context, host string) ([]string, error) {
	resp, err := c.query(ctx, host, mdns.TypeTXT)
	if err != nil || resp == nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// LookupA returns IPv4 addresses for host.
func (c *Client) LookupA(ctx context.Context, host string) ([]string, error) {
	resp, err := c.query(ctx, host, mdns.TypeA)
	if err != nil || resp == nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*mdns.A); ok {
			out = append(out, NormalizeIP(a.A.String()))
		}
	}
	return out, nil
}

// LookupAAAA returns IPv6 addresses for host.
func (c *Client) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	resp, err := c.query(ctx, host, mdns.TypeAAAA)
	if err != nil || resp == nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*mdns.AAAA); ok {
			out = append(out, NormalizeIP(aaaa.AAAA.String()))
		}
	}
	return out, nil
}
