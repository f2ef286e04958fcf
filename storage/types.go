package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SeverityInfo marks expected outcomes worth keeping, such as a peer
	// refusing a connection.
	SeverityInfo = "info"
	// SeverityWarning marks recoverable failures.
	SeverityWarning = "warning"
	// SeverityError marks failures the user should see.
	SeverityError = "error"
)

// Message is the SQLite representation of a chat message.
type Message struct {
	MessageID   string
	Sender      string
	Text        string
	TimestampMs int64
	StoredAt    int64
}

// EndpointRecord remembers a peer seen through one backend.
type EndpointRecord struct {
	EndpointID    string
	Backend       string
	Name          string
	FirstSeen     int64
	LastSeen      int64
	LastConnected *int64
}

// ConnectivityEvent stores one reported connectivity failure.
type ConnectivityEvent struct {
	ID         int64
	Op         string
	EndpointID *string
	MessageID  *string
	Details    string
	Severity   string
	Timestamp  int64
}

// EventFilter narrows GetConnectivityEvents query results.
type EventFilter struct {
	Op            string
	EndpointID    string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError:
		return nil
	default:
		return fmt.Errorf("invalid event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
