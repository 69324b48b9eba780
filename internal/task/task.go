// Package task implements the typed task queue and its worker pools.
//
// Tasks are persisted in PostgreSQL and delivered at least once: claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim, while a
// crash between claim and resolve leaves the row to be reaped and retried.
// Every handler must therefore be idempotent.
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue channel names.
const (
	QueueFetch = "fetch"
	QueueEmbed = "embed"
)

// Task type discriminants. Payloads form a tagged union: the type field
// selects the schema, and unknown or malformed payloads are dead-lettered at
// dequeue time rather than silently coerced.
const (
	TypeFetchSync  = "fetch_sync"
	TypeEmbedChunk = "embed_chunk"
)

// ErrUnknownType indicates a task type with no registered payload schema.
var ErrUnknownType = errors.New("unknown task type")

// Task is one unit of queued work.
type Task struct {
	ID             uuid.UUID
	Queue          string
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	AttemptCount   int32
}

// FetchSyncPayload triggers a full sync cycle over all tracked sources.
// LeaseHolder identifies the scheduler tick that acquired the sync lease;
// the fetch worker releases the lease under that identity when the cycle
// completes (TTL expiry covers the crash case).
type FetchSyncPayload struct {
	TriggeredAt time.Time `json:"triggered_at"`
	LeaseHolder string    `json:"lease_holder"`
}

// EmbedChunkPayload requests an embedding for a single chunk. The chunk ID
// doubles as the idempotency key: a replaced chunk set gets fresh IDs, so a
// stale task simply finds its chunk gone and acknowledges.
type EmbedChunkPayload struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
}

// DecodePayload validates and decodes a task's payload against the schema
// selected by its type.
func (t *Task) DecodePayload() (any, error) {
	switch t.Type {
	case TypeFetchSync:
		var p FetchSyncPayload
		if err := strictUnmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("fetch_sync payload: %w", err)
		}
		return p, nil

	case TypeEmbedChunk:
		var p EmbedChunkPayload
		if err := strictUnmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("embed_chunk payload: %w", err)
		}
		if p.ChunkID == uuid.Nil {
			return nil, fmt.Errorf("embed_chunk payload: missing chunk_id")
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
}

// strictUnmarshal rejects unknown fields so schema drift surfaces as a
// dead-letter instead of a half-decoded payload.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
