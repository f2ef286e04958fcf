package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LogConnectivityEvent inserts a connectivity event and applies retention
// pruning.
func (s *Store) LogConnectivityEvent(event ConnectivityEvent) error {
	if strings.TrimSpace(event.Op) == "" {
		return errors.New("op is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityWarning
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO connectivity_events (
			op,
			endpoint_id,
			message_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.Op,
		nullString(trimmedOrNil(event.EndpointID)),
		nullString(trimmedOrNil(event.MessageID)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert connectivity event %q: %w", event.Op, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneConnectivityEvents(cutoff); err != nil {
			return fmt.Errorf("prune connectivity events: %w", err)
		}
	}

	return nil
}

// GetConnectivityEvents returns recent events, newest first, with optional
// filtering.
func (s *Store) GetConnectivityEvents(filter EventFilter) ([]ConnectivityEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		op,
		endpoint_id,
		message_id,
		details,
		severity,
		timestamp
	FROM connectivity_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.Op != "" {
		where = append(where, "op = ?")
		args = append(args, filter.Op)
	}
	if filter.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, filter.EndpointID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get connectivity events: %w", err)
	}
	defer rows.Close()

	events := make([]ConnectivityEvent, 0)
	for rows.Next() {
		event, err := scanConnectivityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connectivity event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connectivity event rows: %w", err)
	}

	return events, nil
}

// PruneConnectivityEvents removes events older than cutoffTimestamp.
func (s *Store) PruneConnectivityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM connectivity_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune connectivity events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for connectivity event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanConnectivityEvent(row scanner) (*ConnectivityEvent, error) {
	var (
		event      ConnectivityEvent
		endpointID sql.NullString
		messageID  sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.Op,
		&endpointID,
		&messageID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.EndpointID = stringPtr(endpointID)
	event.MessageID = stringPtr(messageID)
	return &event, nil
}

func trimmedOrNil(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
