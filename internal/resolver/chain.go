package resolver

import "context"

// Chain-walk reasons: the two match reasons, then the failure reasons in
// reporting priority order.
const (
	ReasonDirectIPMatch        = "direct_ip_match"
	ReasonAuthorizedIPMatch    = "authorized_ip_match"
	ReasonMaxChainDepthReached = "max_chain_depth_reached"
	ReasonCNAMELoopDetected    = "cname_loop_detected"
	ReasonAuthorizedIPNotFound = "authorized_ip_not_found"
)

// ChainResult is the outcome of a CNAME chain walk.
type ChainResult struct {
	OK           bool     `json:"ok"`
	Reason       string   `json:"reason"`
	Chain        []string `json:"chain"`
	ResolvedIPs  []string `json:"resolved_ips"`
	SawCNAME     bool     `json:"saw_cname"`
	LoopDetected bool     `json:"loop_detected"`
}

// ChainToAuthorizedIPs walks the CNAME chain from startHost breadth
// first, depth-limited to maxDepth frontier expansions. At each host:
// if a CNAME exists its targets form the next frontier; otherwise the
// host's A/AAAA addresses are collected and checked against the
// authorized set. Already-visited hosts are skipped (and flag a loop),
// so each host is processed at most once.
//
// On failure the reason reports the first applicable cause in priority
// order: depth exhaustion, then a detected loop, then plain absence of
// an authorized address.
func ChainToAuthorizedIPs(ctx context.Context, r Resolver, startHost string, authorizedIPs []string, maxDepth int) (ChainResult, error) {
	authorized := make(map[string]struct{}, len(authorizedIPs))
	for _, ip := range authorizedIPs {
		authorized[NormalizeIP(ip)] = struct{}{}
	}

	res := ChainResult{}
	visited := make(map[string]struct{})
	frontier := []string{NormalizeHost(startHost)}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, host := range frontier {
			if _, seen := visited[host]; seen {
				res.LoopDetected = true
				continue
			}
			visited[host] = struct{}{}
			res.Chain = append(res.Chain, host)

			cnames, err := r.LookupCNAME(ctx, host)
			if err != nil {
				return res, err
			}
			if len(cnames) > 0 {
				res.SawCNAME = true
				for _, target := range cnames {
					next = append(next, NormalizeHost(target))
				}
				continue
			}

			a, err := r.LookupA(ctx, host)
			if err != nil {
				return res, err
			}
			aaaa, err := r.LookupAAAA(ctx, host)
			if err != nil {
				return res, err
			}
			for _, ip := range append(a, aaaa...) {
				ip = NormalizeIP(ip)
				res.ResolvedIPs = append(res.ResolvedIPs, ip)
				if _, ok := authorized[ip]; ok {
					res.OK = true
					if res.SawCNAME {
						res.Reason = ReasonAuthorizedIPMatch
					} else {
						res.Reason = ReasonDirectIPMatch
					}
					return res, nil
				}
			}
		}
		frontier = next
	}

	switch {
	case len(frontier) > 0:
		res.Reason = ReasonMaxChainDepthReached
	case res.LoopDetected:
		res.Reason = ReasonCNAMELoopDetected
	default:
		res.Reason = ReasonAuthorizedIPNotFound
	}
	return res, nil
}
