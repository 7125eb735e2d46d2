package models

import (
	"time"

	"github.com/google/uuid"
)

// QueuedRequest is a call deferred while the device was offline.
type QueuedRequest struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Method     Method    `json:"method"`
	Body       []byte    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
}

// NewQueuedRequest returns a fresh record with a random id and zero retries.
func NewQueuedRequest(endpoint string, method Method, body []byte, now time.Time) QueuedRequest {
	return QueuedRequest{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Method:    method,
		Body:      body,
		CreatedAt: now,
	}
}

// Expired reports whether the record has reached maxAge. Records are kept
// while their age is strictly below maxAge.
func (q QueuedRequest) Expired(now time.Time, maxAge time.Duration) bool {
	return !(now.Sub(q.CreatedAt) < maxAge)
}
