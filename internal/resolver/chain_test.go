package resolver

import (
	"context"
	"testing"
)

// fakeZone is a scripted Resolver for chain-walk tests.
type fakeZone struct {
	cname   map[string][]string
	a       map[string][]string
	aaaa    map[string][]string
	lookups map[string]int
}

func newFakeZone() *fakeZone {
	return &fakeZone{
		cname:   map[string][]string{},
		a:       map[string][]string{},
		aaaa:    map[string][]string{},
		lookups: map[string]int{},
	}
}

func (f *fakeZone) LookupCNAME(_ context.Context, host string) ([]string, error) {
	f.lookups[host]++
	return f.cname[host], nil
}
func (f *fakeZone) LookupMX(_ context.Context, host string) ([]MX, error) { return nil, nil }
func (f *fakeZone) LookupTXT(_ context.Context, host string) ([]string, error) {
	return nil, nil
}
func (f *fakeZone) LookupA(_ context.Context, host string) ([]string, error) {
	return f.a[host], nil
}
func (f *fakeZone) LookupAAAA(_ context.Context, host string) ([]string, error) {
	return f.aaaa[host], nil
}

func TestChain_directIPMatch(t *testing.T) {
	z := newFakeZone()
	z.a["apex.example"] = []string{"1.2.3.4"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "apex.example", []string{"1.2.3.4"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Reason != ReasonDirectIPMatch {
		t.Errorf("got ok=%v reason=%q", res.OK, res.Reason)
	}
	if res.SawCNAME {
		t.Error("SawCNAME should be false for a direct A record")
	}
}

func TestChain_authorizedIPThroughChain(t *testing.T) {
	z := newFakeZone()
	z.cname["apex.example"] = []string{"cnamea.example"}
	z.cname["cnamea.example"] = []string{"cnameb.example"}
	z.a["cnameb.example"] = []string{"9.9.9.9", "1.2.3.4"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "Apex.Example.", []string{"1.2.3.4"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Reason != ReasonAuthorizedIPMatch {
		t.Errorf("got ok=%v reason=%q", res.OK, res.Reason)
	}
	if !res.SawCNAME {
		t.Error("expected SawCNAME")
	}
	wantChain := []string{"apex.example", "cnamea.example", "cnameb.example"}
	if len(res.Chain) != len(wantChain) {
		t.Fatalf("chain: got %v", res.Chain)
	}
	for i := range wantChain {
		if res.Chain[i] != wantChain[i] {
			t.Errorf("chain[%d] = %q, want %q", i, res.Chain[i], wantChain[i])
		}
	}
}

func TestChain_loopDetected(t *testing.T) {
	z := newFakeZone()
	z.cname["a.example"] = []string{"b.example"}
	z.cname["b.example"] = []string{"a.example"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "a.example", []string{"1.2.3.4"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != ReasonCNAMELoopDetected {
		t.Errorf("got ok=%v reason=%q", res.OK, res.Reason)
	}
	if !res.LoopDetected {
		t.Error("expected LoopDetected")
	}
	// Each host processed at most once despite the cycle.
	for host, n := range z.lookups {
		if n > 1 {
			t.Errorf("host %q resolved %d times", host, n)
		}
	}
}

func TestChain_maxDepthReached(t *testing.T) {
	z := newFakeZone()
	z.cname["h0.example"] = []string{"h1.example"}
	z.cname["h1.example"] = []string{"h2.example"}
	z.cname["h2.example"] = []string{"h3.example"}
	z.a["h3.example"] = []string{"1.2.3.4"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "h0.example", []string{"1.2.3.4"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != ReasonMaxChainDepthReached {
		t.Errorf("got ok=%v reason=%q", res.OK, res.Reason)
	}
}

func TestChain_depthBeatsLoopInPriority(t *testing.T) {
	// Both a loop and an unexplored frontier at cutoff: depth wins.
	z := newFakeZone()
	z.cname["a.example"] = []string{"a.example", "b.example"}
	z.cname["b.example"] = []string{"c.example"}
	z.cname["c.example"] = []string{"d.example"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "a.example", []string{"1.2.3.4"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != ReasonMaxChainDepthReached {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonMaxChainDepthReached)
	}
}

func TestChain_authorizedIPNotFound(t *testing.T) {
	z := newFakeZone()
	z.cname["apex.example"] = []string{"edge.example"}
	z.a["edge.example"] = []string{"203.0.113.7"}
	z.aaaa["edge.example"] = []string{"2001:db8::7"}

	res, err := ChainToAuthorizedIPs(context.Background(), z, "apex.example", []string{"1.2.3.4"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Reason != ReasonAuthorizedIPNotFound {
		t.Errorf("got ok=%v reason=%q", res.OK, res.Reason)
	}
	if len(res.ResolvedIPs) != 2 {
		t.Errorf("resolved IPs: got %v", res.ResolvedIPs)
	}
}
