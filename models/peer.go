package models

// Info is the identity document a node serves at GET /info.
type Info struct {
	UserID       string   `json:"user_id"`
	PublicKey    string   `json:"public_key"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Status is the liveness document a node serves at GET /ping.
type Status struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// KeyExport is the JSON document written when an operator exports their public key.
type KeyExport struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
	KeyHash   string `json:"key_hash"`
	Timestamp string `json:"timestamp"`
}
