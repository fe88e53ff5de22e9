// Package recordstore defines the durable store for users, sessions,
// runs, messages, events, memories, and knowledge metadata. RecordStore
// is the contract every persistence-touching component programs
// against; the concrete database engine is swappable behind it. Writes
// must be idempotent by (run_id, seq) for events and by
// (run_id, message_id) for messages.
package recordstore

import (
	"context"
	"time"

	"github.com/opnureyes2-del/teamrun/model"
)

// RecordStore is the durable key-value/relational store behind every
// persisted entity.
type RecordStore interface {
	// Users
	PutUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// Sessions
	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*model.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Runs
	PutRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRunsBySession(ctx context.Context, sessionID string) ([]*model.Run, error)

	// Messages, idempotent by (run_id, message_id).
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, runID string) ([]*model.Message, error)

	// Events, idempotent by (run_id, seq) per producer.
	AppendEvent(ctx context.Context, e *model.Event) error
	ListEvents(ctx context.Context, runID string) ([]*model.Event, error)

	// Memories
	PutMemory(ctx context.Context, m *model.Memory) error
	GetMemoriesByUser(ctx context.Context, userID string) ([]*model.Memory, error)
	ArchiveMemory(ctx context.Context, memoryID string, at time.Time) error

	// Knowledge metadata (chunk embeddings themselves live in VectorStore;
	// RecordStore keeps the authoritative document/chunk text + ownership).
	PutKnowledgeDocument(ctx context.Context, d *model.KnowledgeDocument) error
	PutKnowledgeChunk(ctx context.Context, c *model.KnowledgeChunk) error
	GetKnowledgeChunks(ctx context.Context, userID string, chunkIDs []string) ([]*model.KnowledgeChunk, error)

	// RecoverCrashedRuns marks any run left in pending/streaming as failed.
	// Called once at startup.
	RecoverCrashedRuns(ctx context.Context) (int, error)

	// Checkpoints: one snapshot per run, overwritten as the run
	// progresses and removed once it reaches a terminal state.
	PutCheckpoint(ctx context.Context, c *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
}
