package audit

import (
	"encoding/json"
	"time"
)

// Action represents the category of audited operation
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionShare    Action = "share"
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
)

// Outcome represents how the audited operation ended
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Entry is a single audit log record. Entries are append-only; nothing in the
// platform updates or deletes them once written.
type Entry struct {
	ID             int64                  `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	ObjectType     string                 `json:"object_type"`
	ObjectID       string                 `json:"object_id"`
	Action         Action                 `json:"action"`
	Outcome        Outcome                `json:"outcome"`
	ActorID        string                 `json:"actor_id,omitempty"`
	ActorWorkspace string                 `json:"actor_workspace,omitempty"`
	ActorOrgID     string                 `json:"actor_org_id,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SecurityEvent is the category of a security log record
type SecurityEvent string

const (
	SecurityAccessDenied     SecurityEvent = "access_denied"
	SecurityGrantCreated     SecurityEvent = "grant_created"
	SecurityGrantRevoked     SecurityEvent = "grant_revoked"
	SecurityOverrideGranted  SecurityEvent = "override_granted"
	SecurityOverrideRevoked  SecurityEvent = "override_revoked"
	SecurityRateLimitTripped SecurityEvent = "rate_limit_tripped"
)

// SecurityEntry records a security-relevant event, chiefly authorization
// denials and sharing changes
type SecurityEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Event      SecurityEvent          `json:"event"`
	ActorID    string                 `json:"actor_id,omitempty"`
	ActorOrgID string                 `json:"actor_org_id,omitempty"`
	ObjectType string                 `json:"object_type,omitempty"`
	ObjectID   string                 `json:"object_id,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID    string
	ActorOrgID string

	Actions []Action
	Outcome *Outcome

	ObjectType string
	ObjectID   string

	IPAddress string

	Limit  int
	Offset int
}
