package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/config"
	"github.com/forwardmx/dnscheck/internal/resolver"
)

// CheckFunc validates one target against the expected profile. The
// scheduler, intake, and query flows all consume this signature so
// tests can script outcomes.
type CheckFunc func(ctx context.Context, target string) (*model.CheckResult, error)

// Checker compares a target's published DNS records against the
// expected profile.
type Checker struct {
	res     resolver.Resolver
	profile config.Profile
	limits  Limits
	logger  *zap.Logger
}

// NewChecker creates a Checker.
func NewChecker(res resolver.Resolver, profile config.Profile, limits Limits, logger *zap.Logger) *Checker {
	return &Checker{res: res, profile: profile, limits: limits, logger: logger}
}

// normalizeTXT prepares a TXT value for exact comparison: control
// characters stripped, whitespace collapsed, lowercased.
func normalizeTXT(s string) string {
	return strings.ToLower(CollapseSpaces(s))
}

// Check resolves the five record sets for target and produces the
// per-requirement verdicts and sanitized snapshot. Resolver timeouts
// and failures abort the whole cycle; the next poll is the retry.
func (c *Checker) Check(ctx context.Context, target string) (*model.CheckResult, error) {
	apex := resolver.NormalizeHost(target)
	dmarcName := "_dmarc." + apex
	dkimName := c.profile.DKIMSelector + "._domainkey." + apex

	cnames, err := c.res.LookupCNAME(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve CNAME %s: %w", apex, err)
	}
	dkimCNAMEs, err := c.res.LookupCNAME(ctx, dkimName)
	if err != nil {
		return nil, fmt.Errorf("resolve CNAME %s: %w", dkimName, err)
	}
	mxs, err := c.res.LookupMX(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve MX %s: %w", apex, err)
	}
	txts, err := c.res.LookupTXT(ctx, apex)
	if err != nil {
		return nil, fmt.Errorf("resolve TXT %s: %w", apex, err)
	}
	dmarcTXTs, err := c.res.LookupTXT(ctx, dmarcName)
	if err != nil {
		return nil, fmt.Errorf("resolve TXT %s: %w", dmarcName, err)
	}

	cnameEntry, err := c.checkCNAME(ctx, apex, cnames)
	if err != nil {
		return nil, err
	}
	mxEntry := c.checkMX(apex, mxs)
	spfEntry := c.checkTXTExact(model.KeySPF, apex, c.profile.SPFExpected, txts)
	dmarcEntry := c.checkTXTExact(model.KeyDMARC, dmarcName, c.profile.DMARCExpected, dmarcTXTs)
	dkimEntry := c.checkDKIM(dkimName, dkimCNAMEs)

	mxStrings := make([]string, len(mxs))
	for i, mx := range mxs {
		mxStrings[i] = fmt.Sprintf("%d %s", mx.Priority, mx.Exchange)
	}

	result := &model.CheckResult{
		Missing: []model.MissingEntry{cnameEntry, mxEntry, spfEntry, dmarcEntry, dkimEntry},
		Snapshot: &model.Snapshot{
			CNAME:     capList(cnames, c.limits.MaxRecords, c.limits.MaxHostLength),
			DKIMCNAME: capList(dkimCNAMEs, c.limits.MaxRecords, c.limits.MaxHostLength),
			MX:        capList(mxStrings, c.limits.MaxRecords, c.limits.MaxHostLength),
			SPFTXT:    capList(txts, c.limits.MaxTXTRecords, c.limits.MaxTXTLength),
			DMARCTXT:  capList(dmarcTXTs, c.limits.MaxTXTRecords, c.limits.MaxTXTLength),
		},
	}
	result.OK = cnameEntry.OK && mxEntry.OK && spfEntry.OK && dmarcEntry.OK && dkimEntry.OK
	return result, nil
}

// checkCNAME verifies the forwarding CNAME. With authorized IPs
// configured, the chain walk replaces the direct string comparison as
// the sole criterion.
func (c *Checker) checkCNAME(ctx context.Context, apex string, cnames []string) (model.MissingEntry, error) {
	entry := c.newEntry(model.KeyCNAME, "CNAME", apex, c.profile.UICNAMEExpected, cnames, c.limits.MaxHostLength)

	if len(c.profile.UICNAMEAuthorizedIPs) > 0 {
		chain, err := resolver.ChainToAuthorizedIPs(ctx, c.res, apex, c.profile.UICNAMEAuthorizedIPs, c.profile.UICNAMEMaxChainDepth)
		if err != nil {
			return entry, fmt.Errorf("walk CNAME chain from %s: %w", apex, err)
		}
		entry.OK = chain.OK
		entry.ExpectedIPs = c.profile.UICNAMEAuthorizedIPs
		foundIPs := capList(chain.ResolvedIPs, c.limits.MaxRecords, c.limits.MaxHostLength)
		entry.FoundIPs = foundIPs.Values
		entry.ChainReason = chain.Reason
		return entry, nil
	}

	for _, cname := range cnames {
		if resolver.NormalizeHost(cname) == c.profile.UICNAMEExpected {
			entry.OK = true
			break
		}
	}
	return entry, nil
}

// checkMX requires an exact exchange plus strict priority match.
func (c *Checker) checkMX(apex string, mxs []resolver.MX) model.MissingEntry {
	found := make([]string, len(mxs))
	for i, mx := range mxs {
		found[i] = fmt.Sprintf("%d %s", mx.Priority, mx.Exchange)
	}
	expected := fmt.Sprintf("%d %s", c.profile.MXExpectedPriority, c.profile.MXExpectedHost)
	entry := c.newEntry(model.KeyMX, "MX", apex, expected, found, c.limits.MaxHostLength)

	for _, mx := range mxs {
		if mx.Exchange == c.profile.MXExpectedHost && mx.Priority == c.profile.MXExpectedPriority {
			entry.OK = true
			break
		}
	}
	return entry
}

// checkTXTExact matches a TXT record exactly after whitespace collapse
// and case folding. Substring matches do not count: a record embedding
// the expected policy in a larger value is still a misconfiguration.
func (c *Checker) checkTXTExact(key, name, expected string, txts []string) model.MissingEntry {
	entry := c.newEntry(key, "TXT", name, expected, txts, c.limits.MaxTXTLength)
	want := normalizeTXT(expected)
	for _, txt := range txts {
		if normalizeTXT(txt) == want {
			entry.OK = true
			break
		}
	}
	return entry
}

func (c *Checker) checkDKIM(dkimName string, dkimCNAMEs []string) model.MissingEntry {
	entry := c.newEntry(model.KeyDKIM, "CNAME", dkimName, c.profile.DKIMCNAMEExpected, dkimCNAMEs, c.limits.MaxHostLength)
	for _, cname := range dkimCNAMEs {
		if resolver.NormalizeHost(cname) == c.profile.DKIMCNAMEExpected {
			entry.OK = true
			break
		}
	}
	return entry
}

func (c *Checker) newEntry(key, recordType, name, expected string, found []string, maxLen int) model.MissingEntry {
	maxItems := c.limits.MaxRecords
	if recordType == "TXT" {
		maxItems = c.limits.MaxTXTRecords
	}
	capped := capList(found, maxItems, maxLen)
	return model.MissingEntry{
		Key:            key,
		Type:           recordType,
		Name:           name,
		Expected:       expected,
		Found:          capped.Values,
		FoundTruncated: capped.Truncated,
	}
}
