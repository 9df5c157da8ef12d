package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(message Message) error {
	if message.ID == "" {
		return errors.New("id is required")
	}
	if message.Sender == "" {
		return errors.New("sender is required")
	}
	if message.Recipient == "" {
		return errors.New("recipient is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.RecordedAt.IsZero() {
		message.RecordedAt = time.Now()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = message.RecordedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			id,
			sender,
			recipient,
			message,
			direction,
			priority,
			auto_delete,
			timestamp,
			recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.Sender,
		message.Recipient,
		message.Text,
		message.Direction,
		boolInt(message.Priority),
		boolInt(message.AutoDelete),
		message.Timestamp.UnixMilli(),
		message.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}
	return nil
}

// GetMessages returns the conversation with one peer, latest arrival first.
// Timestamp is the sender's display time and does not affect order.
func (s *Store) GetMessages(peerID string, limit int) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			sender,
			recipient,
			message,
			direction,
			priority,
			auto_delete,
			timestamp,
			recorded_at
		FROM messages
		WHERE sender = ? OR recipient = ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`,
		peerID,
		peerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// CountMessages returns the number of persisted messages.
func (s *Store) CountMessages() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// DeleteMessages removes rows by ID and returns how many existed.
func (s *Store) DeleteMessages(ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAllMessages empties the message table.
func (s *Store) DeleteAllMessages() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("delete all messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMessagesOlderThan removes rows recorded before cutoff.
func (s *Store) DeleteMessagesOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message prune: %w", err)
	}
	return rowsAffected, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message    Message
		priority   int
		autoDelete int
		timestamp  int64
		recordedAt int64
	)

	if err := row.Scan(
		&message.ID,
		&message.Sender,
		&message.Recipient,
		&message.Text,
		&message.Direction,
		&priority,
		&autoDelete,
		&timestamp,
		&recordedAt,
	); err != nil {
		return nil, err
	}

	message.Priority = priority == 1
	message.AutoDelete = autoDelete == 1
	message.Timestamp = time.UnixMilli(timestamp)
	message.RecordedAt = time.UnixMilli(recordedAt)
	return &message, nil
}
