package network

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"silentnet/crypto"
	"silentnet/models"
)

const (
	// ProtocolVersion is advertised in GET /info.
	ProtocolVersion = "2.0"
	// DefaultPort is the fixed node-to-node HTTP port.
	DefaultPort = 8000
	// DefaultRequestTimeout bounds connect and send requests.
	DefaultRequestTimeout = 3 * time.Second
	// MaxBodySize caps inbound request and outbound response bodies.
	MaxBodySize = 64 * 1024

	// PriorityMarker is prefixed to the plaintext of priority messages.
	PriorityMarker = "[PRIORITY]"

	// StatusOnline is the /ping status value.
	StatusOnline = "online"
	// StatusMessageReceived is the /message acknowledgement value.
	StatusMessageReceived = "message received"

	// timestampLayout is zone-less ISO-8601 local time with microseconds.
	timestampLayout = "2006-01-02T15:04:05.000000"
)

const (
	PathInfo    = "/info"
	PathMessage = "/message"
	PathPing    = "/ping"
	PathMetrics = "/metrics"
)

// Capabilities lists the optional message features this node understands.
var Capabilities = []string{"encryption", "priority", "auto_delete"}

// ErrMissingField indicates an inbound envelope lacks a required field.
var ErrMissingField = errors.New("network: missing required field")

// PeerUnreachableError reports a transport failure or timeout talking to a peer.
type PeerUnreachableError struct {
	Address string
	Op      string
	Err     error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %s unreachable during %s: %v", e.Address, e.Op, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error {
	return e.Err
}

// ProtocolMismatchError reports a peer that answered but not per the node contract.
type ProtocolMismatchError struct {
	Address string
	Reason  string
	Err     error
}

func (e *ProtocolMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peer %s protocol mismatch: %s: %v", e.Address, e.Reason, e.Err)
	}
	return fmt.Sprintf("peer %s protocol mismatch: %s", e.Address, e.Reason)
}

func (e *ProtocolMismatchError) Unwrap() error {
	return e.Err
}

// DecryptionFailure reports an inbound envelope that could not be opened.
type DecryptionFailure struct {
	SenderID string
	Err      error
}

func (e *DecryptionFailure) Error() string {
	return fmt.Sprintf("decrypt message from %q: %v", e.SenderID, e.Err)
}

func (e *DecryptionFailure) Unwrap() error {
	return e.Err
}

// SendOptions are per-message delivery flags.
type SendOptions struct {
	Priority   bool
	AutoDelete bool
}

// Received is the decrypted form of an inbound envelope.
type Received struct {
	SenderID   string
	Text       string
	Priority   bool
	AutoDelete bool
	Timestamp  time.Time
}

// Seal encrypts text for a recipient and wraps it in a wire envelope.
func Seal(recipient *rsa.PublicKey, senderID, text string, opts SendOptions, now time.Time) (models.MessageEnvelope, error) {
	if senderID == "" {
		return models.MessageEnvelope{}, errors.New("sender_id is required")
	}

	body := text
	if opts.Priority {
		body = PriorityMarker + " " + text
	}

	sealed, err := crypto.Encrypt(recipient, body)
	if err != nil {
		return models.MessageEnvelope{}, err
	}

	return models.MessageEnvelope{
		SenderID:   senderID,
		Key:        sealed.WrappedKey,
		IV:         sealed.IV,
		Message:    sealed.Ciphertext,
		AutoDelete: opts.AutoDelete,
		Priority:   opts.Priority,
		Timestamp:  FormatTimestamp(now),
	}, nil
}

// Open decrypts an inbound envelope. A leading PriorityMarker is stripped and
// forces Priority. A missing or unparseable timestamp resolves to now.
func Open(privateKey *rsa.PrivateKey, envelope models.MessageEnvelope, now time.Time) (Received, error) {
	if err := ValidateEnvelope(envelope); err != nil {
		return Received{}, &DecryptionFailure{SenderID: envelope.SenderID, Err: err}
	}

	text, err := crypto.Decrypt(privateKey, envelope.Key, envelope.IV, envelope.Message)
	if err != nil {
		return Received{}, &DecryptionFailure{SenderID: envelope.SenderID, Err: err}
	}

	priority := envelope.Priority
	if strings.HasPrefix(text, PriorityMarker) {
		priority = true
		text = strings.TrimPrefix(strings.TrimPrefix(text, PriorityMarker), " ")
	}

	timestamp := now
	if envelope.Timestamp != "" {
		if parsed, err := ParseTimestamp(envelope.Timestamp); err == nil {
			timestamp = parsed
		}
	}

	return Received{
		SenderID:   envelope.SenderID,
		Text:       text,
		Priority:   priority,
		AutoDelete: envelope.AutoDelete,
		Timestamp:  timestamp,
	}, nil
}

// ValidateEnvelope checks the envelope fields that are never legitimately empty.
// An empty message body is the valid encryption of an empty plaintext.
func ValidateEnvelope(envelope models.MessageEnvelope) error {
	switch {
	case envelope.SenderID == "":
		return fmt.Errorf("%w: sender_id", ErrMissingField)
	case envelope.Key == "":
		return fmt.Errorf("%w: key", ErrMissingField)
	case envelope.IV == "":
		return fmt.Errorf("%w: iv", ErrMissingField)
	}
	return nil
}

// FormatTimestamp renders t in local time as ISO-8601 with microsecond
// precision and no zone designator.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(timestampLayout)
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO-8601 (local time) forms.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// HostPort returns address with defaultPort appended when it carries no port.
func HostPort(address string, defaultPort int) string {
	address = strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(defaultPort))
}
