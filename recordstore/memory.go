package recordstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
)

// InMemory is a RecordStore backed by maps guarded by a single mutex.
// It is the reference implementation used throughout the test suite and
// is sufficient for a single-process deployment; sql.go is an adapter
// for operators who want a networked store.
type InMemory struct {
	mu sync.RWMutex

	users    map[string]*model.User
	sessions map[string]*model.Session
	runs     map[string]*model.Run

	messagesByRun map[string][]*model.Message
	messageSeen   map[string]bool // key: runID + "/" + messageID

	eventsByRun map[string][]*model.Event
	eventSeen   map[string]bool // key: runID + "/" + producerID + "/" + seq

	memories map[string]*model.Memory // by memoryID

	docs   map[string]*model.KnowledgeDocument
	chunks map[string]*model.KnowledgeChunk // by chunkID

	checkpoints map[string]*model.Checkpoint // by runID
}

// New creates an empty in-memory RecordStore.
func New() *InMemory {
	return &InMemory{
		users:         make(map[string]*model.User),
		sessions:      make(map[string]*model.Session),
		runs:          make(map[string]*model.Run),
		messagesByRun: make(map[string][]*model.Message),
		messageSeen:   make(map[string]bool),
		eventsByRun:   make(map[string][]*model.Event),
		eventSeen:     make(map[string]bool),
		memories:      make(map[string]*model.Memory),
		docs:          make(map[string]*model.KnowledgeDocument),
		chunks:        make(map[string]*model.KnowledgeChunk),
		checkpoints:   make(map[string]*model.Checkpoint),
	}
}

var _ RecordStore = (*InMemory)(nil)

func (s *InMemory) PutUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.UserID] = &cp
	return nil
}

func (s *InMemory) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "user not found: "+userID)
	}
	cp := *u
	return &cp, nil
}

func (s *InMemory) PutSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *InMemory) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "session not found: "+sessionID)
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemory) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "session not found: "+sessionID)
	}
	// Cascade: delete every run owned by this session.
	for runID, run := range s.runs {
		if run.SessionID == sess.SessionID {
			delete(s.runs, runID)
			delete(s.messagesByRun, runID)
			delete(s.eventsByRun, runID)
		}
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemory) PutRun(ctx context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *InMemory) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "run not found: "+runID)
	}
	cp := *r
	return &cp, nil
}

func (s *InMemory) ListRunsBySession(ctx context.Context, sessionID string) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Run
	for _, r := range s.runs {
		if r.SessionID == sessionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *InMemory) AppendMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.RunID + "/" + m.MessageID
	if s.messageSeen[key] {
		return nil // idempotent replay
	}
	s.messageSeen[key] = true
	cp := *m
	s.messagesByRun[m.RunID] = append(s.messagesByRun[m.RunID], &cp)
	return nil
}

func (s *InMemory) ListMessages(ctx context.Context, runID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messagesByRun[runID]
	out := make([]*model.Message, len(msgs))
	copy(out, msgs)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemory) AppendEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.RunID + "/" + e.ProducerID + "/" + strconv.FormatInt(e.Seq, 10)
	if s.eventSeen[key] {
		return nil // idempotent replay
	}
	s.eventSeen[key] = true
	cp := *e
	s.eventsByRun[e.RunID] = append(s.eventsByRun[e.RunID], &cp)
	return nil
}

func (s *InMemory) ListEvents(ctx context.Context, runID string) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evts := s.eventsByRun[runID]
	out := make([]*model.Event, len(evts))
	copy(out, evts)
	sort.Slice(out, func(i, j int) bool { return out[i].RunSeq < out[j].RunSeq })
	return out, nil
}

func (s *InMemory) PutMemory(ctx context.Context, m *model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.memories[m.MemoryID] = &cp
	return nil
}

func (s *InMemory) GetMemoriesByUser(ctx context.Context, userID string) ([]*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Memory
	for _, m := range s.memories {
		if m.UserID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) ArchiveMemory(ctx context.Context, memoryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "memory not found: "+memoryID)
	}
	t := at
	m.ArchivedAt = &t
	return nil
}

func (s *InMemory) PutKnowledgeDocument(ctx context.Context, d *model.KnowledgeDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.docs[d.DocID] = &cp
	return nil
}

func (s *InMemory) PutKnowledgeChunk(ctx context.Context, c *model.KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.chunks[c.ChunkID] = &cp
	return nil
}

func (s *InMemory) GetKnowledgeChunks(ctx context.Context, userID string, chunkIDs []string) ([]*model.KnowledgeChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.KnowledgeChunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		c, ok := s.chunks[id]
		if !ok || c.UserID != userID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) RecoverCrashedRuns(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if !r.Status.IsTerminal() {
			r.Status = model.RunFailed
			r.ErrorKind = string(runtimeerr.Internal)
			r.ErrorMsg = "run was in-flight when the process restarted"
			r.FinishedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemory) PutCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.checkpoints[c.RunID] = &cp
	return nil
}

func (s *InMemory) GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkpoints[runID]
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "checkpoint not found: "+runID)
	}
	cp := *c
	return &cp, nil
}

func (s *InMemory) DeleteCheckpoint(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}
