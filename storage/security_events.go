package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// EventDecryptionFailed records an inbound envelope that could not be opened.
	EventDecryptionFailed = "decryption_failed"
	// EventPeerKeyChanged records a reconnect that presented a different public key.
	EventPeerKeyChanged = "peer_key_changed"
	// EventProtocolMismatch records a peer that answered outside the node contract.
	EventProtocolMismatch = "protocol_mismatch"
)

const (
	defaultEventQueryLimit = 100
	maxEventQueryLimit     = 1000
)

// RecordSecurityEvent stores an event, encoding details as a JSON object.
// An empty peerID is stored as NULL.
func (s *Store) RecordSecurityEvent(eventType, peerID, severity string, details map[string]string, at time.Time) error {
	if details == nil {
		details = map[string]string{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode %s details: %w", eventType, err)
	}

	event := SecurityEvent{
		EventType: eventType,
		Details:   string(encoded),
		Severity:  severity,
		Timestamp: at.UnixMilli(),
	}
	if peerID = strings.TrimSpace(peerID); peerID != "" {
		event.PeerID = &peerID
	}
	return s.LogSecurityEvent(event)
}

// LogSecurityEvent inserts a pre-built event. Details must already be JSON text.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if err := normalizeSecurityEvent(&event); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.PeerID), event.Details, event.Severity, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", event.EventType, err)
	}
	return nil
}

// GetSecurityEvents returns matching events newest first. Limit defaults to
// 100 and is capped at 1000.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := min(filter.Limit, maxEventQueryLimit)
	if limit <= 0 {
		limit = defaultEventQueryLimit
	}

	var (
		clauses []string
		args    []any
	)
	for column, value := range map[string]string{
		"event_type": filter.EventType,
		"peer_id":    filter.PeerID,
		"severity":   filter.Severity,
	} {
		if value == "" {
			continue
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, value)
	}

	query := `SELECT id, event_type, peer_id, details, severity, timestamp FROM security_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event  SecurityEvent
			peerID sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &peerID, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.PeerID = stringPtr(peerID)
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneSecurityEvents removes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.UnixMilli() <= 0 {
		return 0, errors.New("prune cutoff must be after the epoch")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func normalizeSecurityEvent(event *SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return fmt.Errorf("%s details are not valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.PeerID != nil && strings.TrimSpace(*event.PeerID) == "" {
		event.PeerID = nil
	}
	return nil
}
