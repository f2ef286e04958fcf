package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RecordEndpointSeen inserts or refreshes an endpoint sighting. A non-empty
// name replaces the stored one.
func (s *Store) RecordEndpointSeen(endpointID, backend, name string, seenAt int64) error {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return errors.New("endpoint_id is required")
	}
	if backend == "" {
		return errors.New("backend is required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO endpoints (
			endpoint_id,
			backend,
			name,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id, backend) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE endpoints.name END,
			last_seen = MAX(endpoints.last_seen, excluded.last_seen)`,
		endpointID,
		backend,
		strings.TrimSpace(name),
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("record endpoint %q: %w", endpointID, err)
	}

	return nil
}

// MarkEndpointConnected stores the time a channel to the endpoint opened.
func (s *Store) MarkEndpointConnected(endpointID, backend string, connectedAt int64) error {
	if endpointID == "" || backend == "" {
		return errors.New("endpoint_id and backend are required")
	}
	if connectedAt == 0 {
		connectedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE endpoints
		SET last_connected = ?, last_seen = MAX(last_seen, ?)
		WHERE endpoint_id = ? AND backend = ?`,
		connectedAt,
		connectedAt,
		endpointID,
		backend,
	)
	if err != nil {
		return fmt.Errorf("mark endpoint %q connected: %w", endpointID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark connected %q: %w", endpointID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetEndpoint fetches one endpoint record.
func (s *Store) GetEndpoint(endpointID, backend string) (*EndpointRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			endpoint_id,
			backend,
			name,
			first_seen,
			last_seen,
			last_connected
		FROM endpoints
		WHERE endpoint_id = ? AND backend = ?`,
		endpointID,
		backend,
	)

	record, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get endpoint %q: %w", endpointID, err)
	}

	return record, nil
}

// ListEndpoints returns every remembered endpoint, most recently seen first.
// An empty backend lists all backends.
func (s *Store) ListEndpoints(backend string) ([]EndpointRecord, error) {
	query := `SELECT
			endpoint_id,
			backend,
			name,
			first_seen,
			last_seen,
			last_connected
		FROM endpoints`
	args := make([]any, 0, 1)
	if backend != "" {
		query += ` WHERE backend = ?`
		args = append(args, backend)
	}
	query += ` ORDER BY last_seen DESC, endpoint_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	records := make([]EndpointRecord, 0)
	for rows.Next() {
		record, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoint rows: %w", err)
	}

	return records, nil
}

// ForgetEndpoint removes an endpoint record.
func (s *Store) ForgetEndpoint(endpointID, backend string) error {
	res, err := s.db.Exec(`DELETE FROM endpoints WHERE endpoint_id = ? AND backend = ?`, endpointID, backend)
	if err != nil {
		return fmt.Errorf("forget endpoint %q: %w", endpointID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for forget endpoint %q: %w", endpointID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*EndpointRecord, error) {
	var (
		record        EndpointRecord
		lastConnected sql.NullInt64
	)

	if err := row.Scan(
		&record.EndpointID,
		&record.Backend,
		&record.Name,
		&record.FirstSeen,
		&record.LastSeen,
		&lastConnected,
	); err != nil {
		return nil, err
	}

	record.LastConnected = int64Ptr(lastConnected)
	return &record, nil
}
