package audit

// Event kinds recorded in the connection log.
const (
	EventAccepted  = "conn_accepted"
	EventDetected  = "protocol_detected"
	EventIdentity  = "identity_result"
	EventAdmission = "admission_decision"
	EventClosed    = "conn_closed"
)

// Entry is one line in the hash-chained JSONL connection log. All fields are
// scalars or structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	ConnID    string `json:"conn_id"`
	Event     string `json:"event"`
	Source    string `json:"source,omitempty"`
	DestPort  uint16 `json:"dest_port,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	TLS       bool   `json:"tls,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state,omitempty"`
	PrevHash  string `json:"prev_hash"`
}
