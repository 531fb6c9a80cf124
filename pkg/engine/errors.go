package engine

import (
	"errors"

	"github.com/cpunion/chorus/pkg/store"
)

var (
	// ErrUnauthorized is returned when a user action runs without an acting user.
	ErrUnauthorized = errors.New("unauthorized: no acting user")
	// ErrInvalidReplyTarget is returned when replyToID is not a reply of the response.
	ErrInvalidReplyTarget = errors.New("reply target does not belong to response")
	// ErrEmptyReply is returned for blank user replies.
	ErrEmptyReply = errors.New("reply content is empty")
	// ErrNotRetryable is returned when RetryReply targets a reply that has not failed.
	ErrNotRetryable = errors.New("reply is not a failed AI reply")
	// ErrNotFound is returned when a post or response does not exist.
	ErrNotFound = errors.New("not found")

	errGenerationPanic = errors.New("generation panicked")
)

// User-facing texts for placeholder and failed entities.
const (
	ThinkingMarker  = "Thinking..."
	ResponseApology = "Sorry, I couldn't put my thoughts together just now. Tap retry and I'll give it another go."
	ReplyApology    = "Sorry, I lost my train of thought. Please try again in a moment."
)

// asStorageError makes sure store failures reach callers as *store.StorageError.
func asStorageError(op string, table store.Table, err error) error {
	if err == nil {
		return nil
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &store.StorageError{Op: op, Table: table, Err: err}
}
