package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Seen ids outlive the message rows they belong to, so a message pruned from
// the log is not stored again when a peer sends it again later.

// LoadSeenIDs returns every remembered message id, oldest first.
func (s *Store) LoadSeenIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT message_id FROM seen_message_ids ORDER BY first_seen ASC, message_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load seen message IDs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen message ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen message IDs: %w", err)
	}
	return ids, nil
}

// CountSeen returns the number of remembered message ids.
func (s *Store) CountSeen() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM seen_message_ids`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count seen message IDs: %w", err)
	}
	return count, nil
}

// PruneSeen forgets ids first seen before cutoff whose message is no longer
// stored.
func (s *Store) PruneSeen(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}
	res, err := s.db.Exec(
		`DELETE FROM seen_message_ids
		WHERE first_seen < ?
		AND message_id NOT IN (SELECT message_id FROM messages)`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}
	return res.RowsAffected()
}

// claimSeen records messageID inside tx. It returns false when the id was
// already known.
func claimSeen(tx *sql.Tx, messageID string, seenAt int64) (bool, error) {
	res, err := tx.Exec(
		`INSERT INTO seen_message_ids (message_id, first_seen) VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		seenAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim message ID %q: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message ID %q: %w", messageID, err)
	}
	return n == 1, nil
}
