package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
)

// scripted builds a Client whose exchange function is driven by the
// test; TCP retries hit the same function unless overridden.
func scripted(fn exchangeFunc) *Client {
	return &Client{
		servers:     []string{"192.0.2.1:53"},
		timeout:     time.Second,
		retries:     0,
		exchange:    fn,
		exchangeTCP: fn,
	}
}

func answer(rrs ...mdns.RR) *mdns.Msg {
	resp := new(mdns.Msg)
	resp.Rcode = mdns.RcodeSuccess
	resp.Answer = rrs
	return resp
}

func txtRR(name string, chunks ...string) *mdns.TXT {
	return &mdns.TXT{
		Hdr: mdns.RR_Header{Name: mdns.Fqdn(name), Rrtype: mdns.TypeTXT, Class: mdns.ClassINET},
		Txt: chunks,
	}
}

func TestLookupTXT_joinsChunks(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		return answer(
			txtRR("example.com", "v=spf1 ", "mx ", "-all"),
			txtRR("example.com", "other"),
		), 0, nil
	})

	got, err := c.LookupTXT(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupTXT: %v", err)
	}
	if len(got) != 2 || got[0] != "v=spf1 mx -all" || got[1] != "other" {
		t.Errorf("got %v", got)
	}
}

func TestLookup_nxdomainIsEmpty(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		resp := new(mdns.Msg)
		resp.Rcode = mdns.RcodeNameError
		return resp, 0, nil
	})

	got, err := c.LookupCNAME(context.Background(), "missing.example.com")
	if err != nil {
		t.Fatalf("expected nil error for NXDOMAIN, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestLookup_nodataIsEmpty(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		return answer(), 0, nil
	})

	got, err := c.LookupA(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("expected nil error for NODATA, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestLookup_timeoutIsTyped(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		return nil, 0, timeoutNetError{}
	})

	_, err := c.LookupMX(context.Background(), "slow.example.com")
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.RecordType != "MX" || te.Name != "slow.example.com" {
		t.Errorf("timeout not tagged: %+v", te)
	}
}

func TestLookup_truncatedRetriesOverTCP(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		resp := answer()
		resp.Truncated = true
		return resp, 0, nil
	})
	tcpCalls := 0
	c.exchangeTCP = func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		tcpCalls++
		return answer(txtRR("big.example.com", "full answer")), 0, nil
	}

	got, err := c.LookupTXT(context.Background(), "big.example.com")
	if err != nil {
		t.Fatalf("LookupTXT: %v", err)
	}
	if tcpCalls != 1 {
		t.Errorf("tcp retries: %d", tcpCalls)
	}
	if len(got) != 1 || got[0] != "full answer" {
		t.Errorf("got %v", got)
	}
}

func TestLookup_truncatedOnTCPIsError(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		resp := answer()
		resp.Truncated = true
		return resp, 0, nil
	})

	if _, err := c.LookupTXT(context.Background(), "big.example.com"); err == nil {
		t.Error("expected error when TCP answer is still truncated")
	}
}

func TestLookupMX_sortedAndNormalized(t *testing.T) {
	c := scripted(func(_ context.Context, _ *mdns.Msg, _ string) (*mdns.Msg, time.Duration, error) {
		return answer(
			&mdns.MX{Hdr: mdns.RR_Header{Name: "example.com.", Rrtype: mdns.TypeMX}, Preference: 20, Mx: "Backup.Example.NET."},
			&mdns.MX{Hdr: mdns.RR_Header{Name: "example.com.", Rrtype: mdns.TypeMX}, Preference: 10, Mx: "mx.example.net."},
		), 0, nil
	})

	got, err := c.LookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	want := []MX{{Exchange: "mx.example.net", Priority: 10}, {Exchange: "backup.example.net", Priority: 20}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQuery_rotatesToHealthyServer(t *testing.T) {
	calls := 0
	c := &Client{
		servers: []string{"192.0.2.1:53", "192.0.2.2:53"},
		timeout: time.Second,
		retries: 0,
		exchange: func(_ context.Context, _ *mdns.Msg, addr string) (*mdns.Msg, time.Duration, error) {
			calls++
			if addr == "192.0.2.1:53" {
				return nil, 0, errors.New("connection refused")
			}
			return answer(&mdns.A{
				Hdr: mdns.RR_Header{Name: "example.com.", Rrtype: mdns.TypeA},
				A:   net.ParseIP("203.0.113.9"),
			}), 0, nil
		},
	}

	got, err := c.LookupA(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupA: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected both servers tried, got %d calls", calls)
	}
	if len(got) != 1 || got[0] != "203.0.113.9" {
		t.Errorf("got %v", got)
	}
}

func TestNormalizeHost(t *testing.T) {
	if got := NormalizeHost(" Edge.ForwardMX.NET. "); got != "edge.forwardmx.net" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeHost(NormalizeHost("Edge.Example.")); got != "edge.example" {
		t.Errorf("not idempotent: %q", got)
	}
}
