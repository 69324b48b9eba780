package embed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

type fakeChunks struct {
	mu     sync.Mutex
	chunks map[uuid.UUID]*store.Chunk
	setErr error
}

func newFakeChunks(chunks ...*store.Chunk) *fakeChunks {
	f := &fakeChunks{chunks: make(map[uuid.UUID]*store.Chunk)}
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return f
}

func (f *fakeChunks) GetChunk(_ context.Context, id uuid.UUID) (*store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chunks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChunks) SetEmbedding(_ context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	c, ok := f.chunks[chunkID]
	if !ok {
		return store.ErrNotFound
	}
	c.Embedding = &embedding
	return nil
}

type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	texts [][]string
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 2}
	}
	return out, nil
}

func embedTask(t *testing.T, chunkID, docID uuid.UUID) *task.Task {
	t.Helper()
	payload, err := json.Marshal(task.EmbedChunkPayload{ChunkID: chunkID, DocumentID: docID})
	if err != nil {
		t.Fatal(err)
	}
	return &task.Task{ID: uuid.New(), Queue: task.QueueEmbed, Type: task.TypeEmbedChunk, Payload: payload}
}

func testChunk(content string) *store.Chunk {
	return &store.Chunk{ID: uuid.New(), DocumentID: uuid.New(), Content: content}
}

func newTestWorker(t *testing.T, chunks ChunkStore, provider Provider) *Worker {
	t.Helper()
	w, err := NewWorker(chunks, provider, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestHandleBatchEmbedsPendingChunks(t *testing.T) {
	a, b := testChunk("alpha"), testChunk("beta")
	chunks := newFakeChunks(a, b)
	provider := &fakeProvider{}
	w := newTestWorker(t, chunks, provider)

	tasks := []*task.Task{
		embedTask(t, a.ID, a.DocumentID),
		embedTask(t, b.ID, b.DocumentID),
	}
	results := w.HandleBatch(context.Background(), tasks)

	for i, r := range results {
		if r.Kind != task.KindDone {
			t.Errorf("result %d = %v, want done", i, r)
		}
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1 batched call", provider.calls)
	}
	for _, c := range []*store.Chunk{a, b} {
		got, _ := chunks.GetChunk(context.Background(), c.ID)
		if got.Embedding == nil {
			t.Errorf("chunk %q has no embedding", c.Content)
		}
	}
}

func TestHandleBatchSkipsAlreadyEmbedded(t *testing.T) {
	// Redelivery of a completed task must not cost a provider call.
	c := testChunk("done already")
	vec := pgvector.NewVector([]float32{1, 2, 3})
	c.Embedding = &vec

	chunks := newFakeChunks(c)
	provider := &fakeProvider{}
	w := newTestWorker(t, chunks, provider)

	results := w.HandleBatch(context.Background(),
		[]*task.Task{embedTask(t, c.ID, c.DocumentID)})
	if results[0].Kind != task.KindDone {
		t.Fatalf("result = %v, want done", results[0])
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times for an embedded chunk, want 0", provider.calls)
	}
}

func TestHandleBatchAcknowledgesStaleTask(t *testing.T) {
	// Chunk replaced while the task waited: acknowledge, don't retry.
	chunks := newFakeChunks()
	provider := &fakeProvider{}
	w := newTestWorker(t, chunks, provider)

	results := w.HandleBatch(context.Background(),
		[]*task.Task{embedTask(t, uuid.New(), uuid.New())})
	if results[0].Kind != task.KindDone {
		t.Errorf("result = %v, want done for vanished chunk", results[0])
	}
	if provider.calls != 0 {
		t.Errorf("provider called for a vanished chunk")
	}
}

func TestHandleBatchRetriesOnRateLimit(t *testing.T) {
	a := testChunk("alpha")
	chunks := newFakeChunks(a)
	provider := &fakeProvider{err: errors.New("googleapi: Error 429: quota exceeded")}
	w := newTestWorker(t, chunks, provider)

	results := w.HandleBatch(context.Background(),
		[]*task.Task{embedTask(t, a.ID, a.DocumentID)})
	if results[0].Kind != task.KindRetry {
		t.Errorf("result = %v, want retry on rate limit", results[0])
	}
}

func TestHandleBatchFatalOnPermanentProviderError(t *testing.T) {
	a := testChunk("alpha")
	chunks := newFakeChunks(a)
	provider := &fakeProvider{err: errors.New("googleapi: Error 400: invalid argument")}
	w := newTestWorker(t, chunks, provider)

	results := w.HandleBatch(context.Background(),
		[]*task.Task{embedTask(t, a.ID, a.DocumentID)})
	if results[0].Kind != task.KindFatal {
		t.Errorf("result = %v, want fatal on permanent error", results[0])
	}
}

func TestHandleBatchMixedOutcomes(t *testing.T) {
	pending := testChunk("needs vector")
	done := testChunk("has vector")
	vec := pgvector.NewVector([]float32{9, 9})
	done.Embedding = &vec

	chunks := newFakeChunks(pending, done)
	provider := &fakeProvider{}
	w := newTestWorker(t, chunks, provider)

	tasks := []*task.Task{
		embedTask(t, done.ID, done.DocumentID),
		embedTask(t, uuid.New(), uuid.New()), // stale
		embedTask(t, pending.ID, pending.DocumentID),
		{ID: uuid.New(), Type: "defragment_index", Payload: json.RawMessage(`{}`)},
	}
	results := w.HandleBatch(context.Background(), tasks)

	if results[0].Kind != task.KindDone {
		t.Errorf("already-embedded = %v, want done", results[0])
	}
	if results[1].Kind != task.KindDone {
		t.Errorf("stale = %v, want done", results[1])
	}
	if results[2].Kind != task.KindDone {
		t.Errorf("pending = %v, want done", results[2])
	}
	if results[3].Kind != task.KindFatal {
		t.Errorf("malformed = %v, want fatal", results[3])
	}

	if provider.calls != 1 || len(provider.texts[0]) != 1 || provider.texts[0][0] != "needs vector" {
		t.Errorf("provider batch = %v, want one call with the single pending chunk", provider.texts)
	}
}
