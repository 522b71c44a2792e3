// Package store defines the audit trail of identity transitions and its
// sinks.
package store

import (
	"context"
	"time"
)

// Record is the audit record of one request handled by a worker. Workers
// send it to the master as one JSON line.
type Record struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"ts"`
	WorkerPID int       `json:"worker_pid"`
	Host      string    `json:"host,omitempty"`
	Path      string    `json:"path,omitempty"`
	Outcome   string    `json:"outcome"`
	UID       int       `json:"uid"`
	GID       int       `json:"gid"`
	Groups    []int     `json:"groups"`
	Chroot    string    `json:"chroot,omitempty"`
	States    []string  `json:"states,omitempty"`
	// Reason is the internal cause of a forbidden outcome. It never reaches
	// the client.
	Reason  string `json:"reason,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// Query selects audit records. Zero fields do not filter.
type Query struct {
	RequestID string
	Outcome   string
	Host      string
	PathLike  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
	Asc       bool
}

type TransitionStore interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
