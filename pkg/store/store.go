// Package store defines the record store the engine persists posts,
// responses and replies into, with JSON-file and SQLite implementations.
package store

import (
	"context"
	"fmt"
	"maps"
)

// Table names a record kind.
type Table string

const (
	TablePosts     Table = "posts"
	TableResponses Table = "ai_responses"
	TableReplies   Table = "comment_replies"
)

// Record is one stored row. Values are strings, bools or numbers.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	return maps.Clone(r)
}

// Filter selects records whose fields equal every listed value.
type Filter map[string]any

// Storage is the persistence port consumed by the engine.
type Storage interface {
	Insert(ctx context.Context, table Table, rec Record) error
	Select(ctx context.Context, table Table, filter Filter) ([]Record, error)
	Update(ctx context.Context, table Table, filter Filter, fields Record) error
}

// StorageError wraps a failed store operation.
type StorageError struct {
	Op    string
	Table Table
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, table Table, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Table: table, Err: err}
}

// matches reports whether rec satisfies filter. Values are compared by
// their printed form so that decoded JSON numbers and bools still match.
func matches(rec Record, filter Filter) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
