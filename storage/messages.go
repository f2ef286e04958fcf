package storage

import (
	"errors"
	"fmt"
	"time"

	"meshnet/models"
)

// SaveMessage persists an accepted message and records its id as seen.
// Saving an id that was seen before is a no-op, even when the message row
// itself has been pruned.
func (s *Store) SaveMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save message %q: %w", message.ID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowUnixMilli()
	claimed, err := claimSeen(tx, message.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if _, err := tx.Exec(
		`INSERT INTO messages (
			message_id,
			sender,
			text,
			timestamp_ms,
			stored_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		message.ID,
		message.Sender,
		message.Text,
		message.Timestamp.UnixMilli(),
		now,
	); err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message %q: %w", message.ID, err)
	}
	return nil
}

// LoadMessages returns every stored message in the order it was stored.
func (s *Store) LoadMessages() ([]models.Message, error) {
	rows, err := s.GetMessages(-1, 0)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.Model())
	}
	return messages, nil
}

// GetMessages returns stored rows in storage order. A negative limit returns
// every row.
func (s *Store) GetMessages(limit, offset int) ([]Message, error) {
	if limit == 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			sender,
			text,
			timestamp_ms,
			stored_at
		FROM messages
		ORDER BY stored_at ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
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

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// PruneMessages removes messages stored before cutoff. Their ids stay in
// seen_message_ids so a re-delivered copy is not stored again.
func (s *Store) PruneMessages(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE stored_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message prune: %w", err)
	}

	return rowsAffected, nil
}

// Model converts the row to the shared message type.
func (m Message) Model() models.Message {
	return models.Message{
		ID:        m.MessageID,
		Text:      m.Text,
		Timestamp: time.UnixMilli(m.TimestampMs),
		Sender:    m.Sender,
	}
}

func scanMessage(row scanner) (*Message, error) {
	var message Message
	if err := row.Scan(
		&message.MessageID,
		&message.Sender,
		&message.Text,
		&message.TimestampMs,
		&message.StoredAt,
	); err != nil {
		return nil, err
	}
	return &message, nil
}
