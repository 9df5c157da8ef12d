package models

// MessageEnvelope is the wire format posted to POST /message.
//
// Key, IV and Message are base64 text. Timestamp is ISO-8601 and may be absent.
type MessageEnvelope struct {
	SenderID   string `json:"sender_id"`
	Key        string `json:"key"`
	IV         string `json:"iv"`
	Message    string `json:"message"`
	AutoDelete bool   `json:"auto_delete"`
	Priority   bool   `json:"priority"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// Ack is returned by POST /message once the envelope has been accepted.
type Ack struct {
	Status string `json:"status"`
}
