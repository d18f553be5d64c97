package enum

// OperationKind identifies the domain of a long-running operation.
type OperationKind string

const (
	OperationKindDataLoad    OperationKind = "data_load"
	OperationKindTraining    OperationKind = "training"
	OperationKindBacktesting OperationKind = "backtesting"
	OperationKindOther       OperationKind = "other"
)

// Values returns all possible operation kind values.
func (OperationKind) Values() []string {
	return []string{
		string(OperationKindDataLoad),
		string(OperationKindTraining),
		string(OperationKindBacktesting),
		string(OperationKindOther),
	}
}

// Valid reports whether the kind is one of the known values.
func (k OperationKind) Valid() bool {
	for _, v := range OperationKind("").Values() {
		if v == string(k) {
			return true
		}
	}
	return false
}

// OperationStatus is the lifecycle status of an operation.
//
// State machine:
//
//	pending -> running -> completed | failed
//	pending | running -> cancelling -> cancelled
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusRunning    OperationStatus = "running"
	OperationStatusCancelling OperationStatus = "cancelling"
	OperationStatusCompleted  OperationStatus = "completed"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusCancelled  OperationStatus = "cancelled"
)

// Values returns all possible operation status values.
func (OperationStatus) Values() []string {
	return []string{
		string(OperationStatusPending),
		string(OperationStatusRunning),
		string(OperationStatusCancelling),
		string(OperationStatusCompleted),
		string(OperationStatusFailed),
		string(OperationStatusCancelled),
	}
}

// Terminal reports whether no further transitions are legal from the status.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the operation still has a live worker.
func (s OperationStatus) Active() bool {
	switch s {
	case OperationStatusPending, OperationStatusRunning, OperationStatusCancelling:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	switch s {
	case OperationStatusPending:
		return next == OperationStatusRunning || next == OperationStatusCancelling
	case OperationStatusRunning:
		return next == OperationStatusCompleted || next == OperationStatusFailed || next == OperationStatusCancelling
	case OperationStatusCancelling:
		return next == OperationStatusCancelled
	}
	return false
}
