package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DecisionRecord is an audit trail entry for one verdict
type DecisionRecord struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	RequestID   string          `json:"request_id" db:"request_id"`
	Phase       Phase           `json:"phase" db:"phase"`
	Resource    string          `json:"resource" db:"resource"`
	UnitName    *string         `json:"unit_name,omitempty" db:"unit_name"`
	UnitVersion *string         `json:"unit_version,omitempty" db:"unit_version"`
	Allowed     bool            `json:"allowed" db:"allowed"`
	Reason      string          `json:"reason" db:"reason"`
	ReasonKind  string          `json:"reason_kind" db:"reason_kind"` // empty for plain unit decisions
	Method      string          `json:"method" db:"method"`
	Path        string          `json:"path" db:"path"`
	RemoteIP    string          `json:"remote_ip" db:"remote_ip"`
	LatencyMs   int             `json:"latency_ms" db:"latency_ms"`
	Details     json.RawMessage `json:"details,omitempty" db:"details"` // JSONB
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the DecisionRecord model
func (DecisionRecord) TableName() string {
	return "policy_decisions"
}

// NewDecisionRecord creates a record for a verdict on a resource
func NewDecisionRecord(phase Phase, resource string, v Verdict) *DecisionRecord {
	return &DecisionRecord{
		ID:         uuid.New(),
		Phase:      phase,
		Resource:   resource,
		Allowed:    v.Allowed,
		Reason:     v.Reason,
		ReasonKind: v.Kind(),
		Timestamp:  time.Now(),
	}
}

// WithUnit sets the policy unit that produced the verdict
func (d *DecisionRecord) WithUnit(name, version string) *DecisionRecord {
	d.UnitName = &name
	d.UnitVersion = &version
	return d
}

// WithRequest sets request metadata
func (d *DecisionRecord) WithRequest(requestID, method, path, remoteIP string) *DecisionRecord {
	d.RequestID = requestID
	d.Method = method
	d.Path = path
	d.RemoteIP = remoteIP
	return d
}

// WithLatency sets the evaluation latency
func (d *DecisionRecord) WithLatency(latency time.Duration) *DecisionRecord {
	d.LatencyMs = int(latency.Milliseconds())
	return d
}

// WithDetails sets the details
func (d *DecisionRecord) WithDetails(details interface{}) *DecisionRecord {
	if data, err := json.Marshal(details); err == nil {
		d.Details = data
	}
	return d
}
