package batch

import (
	"fmt"
	"time"
)

// Item statuses in a report.
const (
	ItemSynced  = "synced"
	ItemFailed  = "failed"
	ItemSkipped = "skipped"
)

// Abort reasons.
const (
	AbortCredential = "credential_expired"
	AbortCancelled  = "cancelled"
)

type ItemResult struct {
	InternalID string `json:"internal_id"`
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Report summarises one run. Items follow selection order; items never
// dispatched because of an abort are left out.
type Report struct {
	RunID       string       `json:"run_id"`
	CompanyID   string       `json:"company_id"`
	Provider    string       `json:"provider"`
	EntityType  string       `json:"entity_type"`
	Period      string       `json:"period"`
	Selected    int          `json:"selected"`
	Processed   int          `json:"processed"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Message     string       `json:"message"`
	Aborted     bool         `json:"aborted"`
	AbortReason string       `json:"abort_reason,omitempty"`
	Items       []ItemResult `json:"items"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

func (r *Report) add(it ItemResult) {
	r.Items = append(r.Items, it)
	switch it.Status {
	case ItemSynced:
		r.Processed++
		r.Succeeded++
	case ItemFailed:
		r.Processed++
		r.Failed++
	case ItemSkipped:
		r.Skipped++
	}
}

// Summary renders "7/10 succeeded".
func (r *Report) Summary() string {
	return fmt.Sprintf("%d/%d succeeded", r.Succeeded, r.Processed)
}

// result is the metrics label for the run.
func (r *Report) result() string {
	switch {
	case r.Aborted:
		return "aborted"
	case r.Processed == 0:
		return "empty"
	case r.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}
