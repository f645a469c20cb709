package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/forwardmx/dnscheck/internal/checker/model"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
)

// ── In-memory RequestStore stub ─────────────────────────────────────────────

type stubStore struct {
	mu   sync.Mutex
	seq  int64
	rows map[int64]*model.Request
}

func newStubStore() *stubStore {
	return &stubStore{rows: make(map[int64]*model.Request)}
}

func (s *stubStore) add(req *model.Request) *model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	req.ID = s.seq
	cp := *req
	s.rows[req.ID] = &cp
	return req
}

func (s *stubStore) get(id int64) model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *stubStore) Insert(_ context.Context, target string, typ model.RequestType, now, expiresAt time.Time) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Target == target && row.Type == typ {
			return nil, repository.ErrDuplicateRequest
		}
	}
	s.seq++
	row := &model.Request{
		ID:        s.seq,
		Target:    target,
		Type:      typ,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	s.rows[row.ID] = row
	cp := *row
	return &cp, nil
}

func (s *stubStore) FindByID(_ context.Context, id int64) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrRequestNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *stubStore) FindByTarget(_ context.Context, target string) ([]model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Request
	for _, row := range s.rows {
		if row.Target == target {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *stubStore) FindPendingNotExpired(_ context.Context, now time.Time) ([]model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Request
	for _, row := range s.rows {
		if row.Status == model.StatusPending && row.ExpiresAt.After(now) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *stubStore) FindLastCreated(_ context.Context, target string, typ model.RequestType) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Request
	for _, row := range s.rows {
		if row.Target != target || row.Type != typ {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *stubStore) UpdateCheckResult(_ context.Context, id int64, now, nextCheckAt time.Time, resultJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != model.StatusPending {
		return 0, nil
	}
	row.LastCheckedAt = &now
	row.NextCheckAt = &nextCheckAt
	row.LastCheckResultJSON = &resultJSON
	row.UpdatedAt = now
	return 1, nil
}

func (s *stubStore) SetFailReason(_ context.Context, id int64, now time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok && row.Status == model.StatusPending {
		row.FailReason = &reason
		row.UpdatedAt = now
	}
	return nil
}

func (s *stubStore) ConditionalTransition(_ context.Context, id int64, to model.Status, now time.Time, fields repository.TransitionFields) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != model.StatusPending {
		return 0, nil
	}
	row.Status = to
	row.UpdatedAt = now
	if fields.ActivatedAt != nil {
		row.ActivatedAt = fields.ActivatedAt
	}
	if fields.FailReason != nil {
		row.FailReason = fields.FailReason
	}
	return 1, nil
}

// ── Collaborator stubs ──────────────────────────────────────────────────────

type stubDomains struct {
	mu    sync.Mutex
	names []string
}

// MarkDomainActive honors ctx like the pgx repository does, so a write
// issued on an already-cancelled job context fails here too.
func (d *stubDomains) MarkDomainActive(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = append(d.names, name)
	return nil
}

func (d *stubDomains) marked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...)
}

type statusChange struct {
	status model.Status
	result *model.CheckResult
}

type stubNotifier struct {
	mu      sync.Mutex
	created int
	changes []statusChange
}

func (n *stubNotifier) RequestCreated(_ context.Context, _ *model.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created++
}

func (n *stubNotifier) StatusChange(_ context.Context, req *model.Request, result *model.CheckResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, statusChange{status: req.Status, result: result})
}

func (n *stubNotifier) statusChanges() []statusChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusChange(nil), n.changes...)
}

func (n *stubNotifier) createdCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created
}

// passingResult builds a minimal all-ok check result.
func passingResult() *model.CheckResult {
	return &model.CheckResult{
		OK: true,
		Missing: []model.MissingEntry{
			{Key: model.KeyCNAME, Type: "CNAME", OK: true, Found: []string{"edge.forwardmx.net"}},
			{Key: model.KeyMX, Type: "MX", OK: true, Found: []string{"10 mx.forwardmx.net"}},
			{Key: model.KeySPF, Type: "TXT", OK: true, Found: []string{"v=spf1 -all"}},
			{Key: model.KeyDMARC, Type: "TXT", OK: true, Found: []string{"v=dmarc1"}},
			{Key: model.KeyDKIM, Type: "CNAME", OK: true, Found: []string{"dkim.forwardmx.net"}},
		},
	}
}

// failingResult builds a nothing-found check result.
func failingResult() *model.CheckResult {
	res := passingResult()
	res.OK = false
	for i := range res.Missing {
		res.Missing[i].OK = false
		res.Missing[i].Found = []string{}
	}
	return res
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
