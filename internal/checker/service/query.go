package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/config"
	"github.com/forwardmx/dnscheck/pkg/domain"
)

// ErrTargetNotFound is returned when no request exists for a target.
var ErrTargetNotFound = errors.New("no request found for target")

// debounceMapLimit triggers a sweep of the read-only lastRun map.
const debounceMapLimit = 10000

// OverallStatusNone and OverallStatusMixed extend the row statuses in
// the query summary.
const (
	OverallStatusNone  = "NONE"
	OverallStatusMixed = "MIXED"
)

// RowView is one request row as served by the query endpoint.
type RowView struct {
	Status        model.Status         `json:"status"`
	ID            int64                `json:"id"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	LastCheckedAt *time.Time           `json:"last_checked_at"`
	NextCheckAt   *time.Time           `json:"next_check_at"`
	Missing       []model.MissingEntry `json:"missing"`
}

// QuerySummary aggregates across the target's rows.
type QuerySummary struct {
	HasUI            bool       `json:"has_ui"`
	HasEmail         bool       `json:"has_email"`
	OverallStatus    string     `json:"overall_status"`
	ExpiresAtMin     *time.Time `json:"expires_at_min,omitempty"`
	LastCheckedAtMax *time.Time `json:"last_checked_at_max,omitempty"`
	NextCheckAtMin   *time.Time `json:"next_check_at_min,omitempty"`
}

// QueryResponse is the GET /api/checkdns/:target body.
type QueryResponse struct {
	Target           string       `json:"target"`
	NormalizedTarget string       `json:"normalized_target"`
	Summary          QuerySummary `json:"summary"`
	UI               *RowView     `json:"ui"`
	Email            *RowView     `json:"email"`
}

// QueryService serves a target's current validation state without
// creating requests or jobs.
type QueryService struct {
	store   RequestStore
	check   CheckFunc
	profile config.Profile
	minGap  time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewQueryService creates a QueryService. minInterval is the read-only
// live-check debounce window.
func NewQueryService(store RequestStore, check CheckFunc, profile config.Profile, minInterval time.Duration, logger *zap.Logger) *QueryService {
	return &QueryService{
		store:   store,
		check:   check,
		profile: profile,
		minGap:  minInterval,
		logger:  logger,
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
}

// Lookup returns the target's rows and a unified missing report.
// The EMAIL row is authoritative; a UI row is served for historical
// compatibility. When the EMAIL row carries no persisted check result,
// one debounced read-only live check may run; otherwise a synthetic
// fallback (expected values, nothing found) fills the report.
func (s *QueryService) Lookup(ctx context.Context, rawTarget string) (*QueryResponse, error) {
	target, err := domain.Normalize(rawTarget)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.FindByTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load rows for %q: %w", target, err)
	}
	if len(rows) == 0 {
		return nil, ErrTargetNotFound
	}

	var email, ui *model.Request
	for i := range rows {
		switch rows[i].Type {
		case model.TypeEmail:
			email = &rows[i]
		case model.TypeUI:
			ui = &rows[i]
		}
	}

	primary := email
	if primary == nil {
		primary = ui
	}

	resp := &QueryResponse{
		Target:           target,
		NormalizedTarget: target,
		Summary:          s.summarize(ui, email),
	}
	if ui != nil {
		resp.UI = s.rowView(ctx, ui, target, ui == primary)
	}
	if email != nil {
		resp.Email = s.rowView(ctx, email, target, email == primary)
	}
	return resp, nil
}

func (s *QueryService) rowView(ctx context.Context, req *model.Request, target string, isPrimary bool) *RowView {
	view := &RowView{
		Status:        req.Status,
		ID:            req.ID,
		CreatedAt:     req.CreatedAt,
		ExpiresAt:     req.ExpiresAt,
		LastCheckedAt: req.LastCheckedAt,
		NextCheckAt:   req.NextCheckAt,
	}

	var parsed []model.MissingEntry
	if req.LastCheckResultJSON != nil && *req.LastCheckResultJSON != "" {
		var result model.CheckResult
		if err := json.Unmarshal([]byte(*req.LastCheckResultJSON), &result); err != nil {
			s.logger.Warn("parse persisted check result",
				zap.Int64("id", req.ID),
				zap.Error(err),
			)
		} else {
			parsed = result.Missing
		}
	}
	if parsed == nil && isPrimary {
		parsed = s.maybeLiveCheck(ctx, req, target)
	}

	view.Missing = s.unifyMissing(target, parsed)
	return view
}

// maybeLiveCheck runs one read-only validation when both the persisted
// last_checked_at and the in-memory debounce allow it. Nothing is
// persisted; a throttled or failed check falls back to the synthetic
// report.
func (s *QueryService) maybeLiveCheck(ctx context.Context, req *model.Request, target string) []model.MissingEntry {
	now := s.now()
	if req.LastCheckedAt != nil && now.Sub(*req.LastCheckedAt) < s.minGap {
		return nil
	}

	key := model.JobKey(req.Type, target)
	s.mu.Lock()
	if last, ok := s.lastRun[key]; ok && now.Sub(last) < s.minGap {
		s.mu.Unlock()
		return nil
	}
	s.lastRun[key] = now
	if len(s.lastRun) > debounceMapLimit {
		s.sweepLocked(now)
	}
	s.mu.Unlock()

	result, err := s.check(ctx, target)
	if err != nil {
		s.logger.Warn("read-only dns check failed",
			zap.String("target", target),
			zap.Error(err),
		)
		return nil
	}
	return result.Missing
}

// sweepLocked drops debounce entries older than twice the minimum
// interval. Must be called with s.mu held.
func (s *QueryService) sweepLocked(now time.Time) {
	cutoff := now.Add(-2 * s.minGap)
	for key, t := range s.lastRun {
		if t.Before(cutoff) {
			delete(s.lastRun, key)
		}
	}
}

// unifyMissing guarantees exactly one entry per CNAME, MX, SPF, and
// DMARC (in that order), falling back to synthetic expected-only
// entries for any key the parsed payload omits. A DKIM entry rides
// along when present.
func (s *QueryService) unifyMissing(target string, parsed []model.MissingEntry) []model.MissingEntry {
	byKey := make(map[string]model.MissingEntry, len(parsed))
	for _, entry := range parsed {
		annotated := entry
		annotated.Type, annotated.Name = s.annotate(entry.Key, target)
		if annotated.Found == nil {
			annotated.Found = []string{}
		}
		byKey[entry.Key] = annotated
	}

	keys := []string{model.KeyCNAME, model.KeyMX, model.KeySPF, model.KeyDMARC}
	out := make([]model.MissingEntry, 0, len(keys)+1)
	for _, key := range keys {
		if entry, ok := byKey[key]; ok {
			out = append(out, entry)
		} else {
			out = append(out, s.fallbackEntry(key, target))
		}
	}
	if entry, ok := byKey[model.KeyDKIM]; ok {
		out = append(out, entry)
	}
	return out
}

func (s *QueryService) annotate(key, target string) (recordType, name string) {
	switch key {
	case model.KeyCNAME:
		return "CNAME", target
	case model.KeyMX:
		return "MX", target
	case model.KeySPF:
		return "TXT", target
	case model.KeyDMARC:
		return "TXT", "_dmarc." + target
	case model.KeyDKIM:
		return "CNAME", s.profile.DKIMSelector + "._domainkey." + target
	}
	return "", target
}

func (s *QueryService) fallbackEntry(key, target string) model.MissingEntry {
	recordType, name := s.annotate(key, target)
	entry := model.MissingEntry{
		Key:   key,
		Type:  recordType,
		Name:  name,
		Found: []string{},
	}
	switch key {
	case model.KeyCNAME:
		entry.Expected = s.profile.UICNAMEExpected
		if len(s.profile.UICNAMEAuthorizedIPs) > 0 {
			entry.ExpectedIPs = s.profile.UICNAMEAuthorizedIPs
		}
	case model.KeyMX:
		entry.Expected = fmt.Sprintf("%d %s", s.profile.MXExpectedPriority, s.profile.MXExpectedHost)
	case model.KeySPF:
		entry.Expected = s.profile.SPFExpected
	case model.KeyDMARC:
		entry.Expected = s.profile.DMARCExpected
	case model.KeyDKIM:
		entry.Expected = s.profile.DKIMCNAMEExpected
	}
	return entry
}

func (s *QueryService) summarize(ui, email *model.Request) QuerySummary {
	summary := QuerySummary{
		HasUI:         ui != nil,
		HasEmail:      email != nil,
		OverallStatus: OverallStatusNone,
	}

	var present []*model.Request
	if ui != nil {
		present = append(present, ui)
	}
	if email != nil {
		present = append(present, email)
	}

	switch len(present) {
	case 1:
		summary.OverallStatus = string(present[0].Status)
	case 2:
		if ui.Status == email.Status {
			summary.OverallStatus = string(ui.Status)
		} else {
			summary.OverallStatus = OverallStatusMixed
		}
	}

	for _, req := range present {
		expires := req.ExpiresAt
		if summary.ExpiresAtMin == nil || expires.Before(*summary.ExpiresAtMin) {
			summary.ExpiresAtMin = &expires
		}
		if req.LastCheckedAt != nil &&
			(summary.LastCheckedAtMax == nil || req.LastCheckedAt.After(*summary.LastCheckedAtMax)) {
			summary.LastCheckedAtMax = req.LastCheckedAt
		}
		if req.NextCheckAt != nil &&
			(summary.NextCheckAtMin == nil || req.NextCheckAt.Before(*summary.NextCheckAtMin)) {
			summary.NextCheckAtMin = req.NextCheckAt
		}
	}
	return summary
}
