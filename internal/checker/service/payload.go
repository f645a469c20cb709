package service

import (
	"encoding/json"
	"fmt"

	"github.com/forwardmx/dnscheck/internal/checker/model"
)

const oversizeNote = "snapshot omitted: serialized result exceeded size budget"

// BuildResultPayload serializes a check result under maxBytes.
// Oversize payloads are progressively summarized: first the snapshot
// collapses to counts and each verdict's found list to its first three
// entries; if that still overflows, the snapshot becomes a single note
// and every found list empties. The final stage is guaranteed small.
func BuildResultPayload(res *model.CheckResult, maxBytes int) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal check result: %w", err)
	}
	if len(b) <= maxBytes {
		return string(b), nil
	}

	summary := summarizeResult(res, 3)
	b, err = json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshal summarized result: %w", err)
	}
	if len(b) <= maxBytes {
		return string(b), nil
	}

	minimal := summarizeResult(res, 0)
	minimal.Snapshot = &model.Snapshot{Note: oversizeNote}
	b, err = json.Marshal(minimal)
	if err != nil {
		return "", fmt.Errorf("marshal minimal result: %w", err)
	}
	return string(b), nil
}

// summarizeResult copies res keeping at most maxFound found values per
// verdict and reducing the snapshot to counts.
func summarizeResult(res *model.CheckResult, maxFound int) *model.CheckResult {
	out := &model.CheckResult{
		OK:      res.OK,
		Missing: make([]model.MissingEntry, len(res.Missing)),
	}
	for i, entry := range res.Missing {
		e := entry
		if len(e.Found) > maxFound {
			e.Found = append([]string(nil), e.Found[:maxFound]...)
			e.FoundTruncated = true
		}
		if len(e.FoundIPs) > maxFound {
			e.FoundIPs = append([]string(nil), e.FoundIPs[:maxFound]...)
		}
		if e.Found == nil {
			e.Found = []string{}
		}
		out.Missing[i] = e
	}
	if res.Snapshot != nil {
		out.Snapshot = &model.Snapshot{
			CNAME:     countsOnly(res.Snapshot.CNAME),
			DKIMCNAME: countsOnly(res.Snapshot.DKIMCNAME),
			MX:        countsOnly(res.Snapshot.MX),
			SPFTXT:    countsOnly(res.Snapshot.SPFTXT),
			DMARCTXT:  countsOnly(res.Snapshot.DMARCTXT),
			Note:      res.Snapshot.Note,
		}
	}
	return out
}

func countsOnly(cl *model.CappedList) *model.CappedList {
	if cl == nil {
		return nil
	}
	return &model.CappedList{
		Values:    []string{},
		Total:     cl.Total,
		Truncated: true,
		Hash:      cl.Hash,
	}
}
