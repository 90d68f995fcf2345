package domain

// WorkerState enumerates the worker status taxonomy.
type WorkerState string

const (
	WorkerFree    WorkerState = "free"
	WorkerWorking WorkerState = "working"
)

// WorkerStatus is published under a per-worker key carrying a liveness TTL.
// CorrelationID is set only while the worker holds an unacked envelope.
type WorkerStatus struct {
	WorkerID      string      `json:"worker_id"`
	State         WorkerState `json:"state"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// AgentOutcome is what the external reasoning engine returns for one mandate.
type AgentOutcome struct {
	Success      bool
	Deliverables []string
	Notes        string
	Ticks        int
}
