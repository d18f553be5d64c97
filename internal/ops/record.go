package ops

import (
	"time"

	"ktrdr/internal/enum"
	"ktrdr/internal/errs"
)

// Progress is the live progress view of an operation. Percentage is
// monotonically non-decreasing while the operation is active.
type Progress struct {
	Percentage  float64        `json:"percentage"`
	CurrentStep string         `json:"current_step"`
	Context     map[string]any `json:"context,omitempty"`
}

// OperationError is the terminal failure payload of a record.
type OperationError struct {
	Message  string         `json:"message"`
	Category errs.Category  `json:"category"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Record is an operation's full state. The Registry owns records exclusively;
// everything handed out is a copy.
type Record struct {
	ID                 string               `json:"operation_id"`
	Kind               enum.OperationKind   `json:"operation_type"`
	Status             enum.OperationStatus `json:"status"`
	CreatedAt          time.Time            `json:"created_at"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	Metadata           map[string]any       `json:"metadata,omitempty"`
	Progress           Progress             `json:"progress"`
	ResultSummary      map[string]any       `json:"result_summary,omitempty"`
	Error              *OperationError      `json:"error,omitempty"`
	CancellationReason string               `json:"cancellation_reason,omitempty"`

	// seq disambiguates records created within the same clock tick so that
	// listing order is a total order.
	seq uint64
}

// clone returns a deep-enough copy for read-only hand-out. Metadata, context,
// and summary maps are copied shallowly one level down; values are treated as
// immutable by convention.
func (r *Record) clone() *Record {
	cp := *r
	cp.Metadata = copyMap(r.Metadata)
	cp.Progress.Context = copyMap(r.Progress.Context)
	cp.ResultSummary = copyMap(r.ResultSummary)
	if r.Error != nil {
		e := *r.Error
		e.Detail = copyMap(r.Error.Detail)
		cp.Error = &e
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Filter selects records for listing. Fields are conjunctive; zero values
// match everything. ActiveOnly is equivalent to
// status in {pending, running, cancelling}.
type Filter struct {
	Kind       enum.OperationKind
	Status     enum.OperationStatus
	ActiveOnly bool
}

func (f Filter) matches(r *Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ActiveOnly && !r.Status.Active() {
		return false
	}
	return true
}
