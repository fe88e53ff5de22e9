// Package session groups runs under a stable session identity and
// supplies rolling history for context assembly. A session exclusively
// owns its runs; access to a session by a non-owner is refused.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
)

// HistoryPair is one completed run's user input and final output, the
// unit folded into an agent's rolling history.
type HistoryPair struct {
	RunID       string
	UserInput   string
	FinalOutput string
	FinishedAt  time.Time
}

// Manager operates sessions against a RecordStore. It holds no
// in-memory session state of its own; every call is a direct, and
// therefore crash-safe, read/write through the store.
type Manager struct {
	store recordstore.RecordStore
}

// New creates a Manager backed by store.
func New(store recordstore.RecordStore) *Manager {
	return &Manager{store: store}
}

// GetOrCreateSession returns the named session if sessionID is supplied
// and owned by userID; a session owned by someone else yields a
// permission_denied error. An empty sessionID creates and persists a
// new Session.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	if sessionID != "" {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.UserID != userID {
			return nil, runtimeerr.New(runtimeerr.PermissionDenied, "session "+sessionID+" is not owned by this user")
		}
		return sess, nil
	}

	now := time.Now()
	sess := &model.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordRunStarted stamps sess.LastRunID/UpdatedAt once a run is pinned
// to it. Called by RunCoordinator.Start before the leader agent runs.
func (m *Manager) RecordRunStarted(ctx context.Context, sessionID, runID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastRunID = runID
	sess.UpdatedAt = time.Now()
	return m.store.PutSession(ctx, sess)
}

// History returns the last n completed runs' input/output pairs, oldest
// first so callers can append them directly to a prompt in
// chronological order.
func (m *Manager) History(ctx context.Context, sessionID string, n int) ([]HistoryPair, error) {
	runs, err := m.store.ListRunsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var completed []*model.Run
	for _, r := range runs {
		if r.Status == model.RunSucceeded {
			completed = append(completed, r)
		}
	}
	if n > 0 && len(completed) > n {
		completed = completed[len(completed)-n:]
	}

	out := make([]HistoryPair, 0, len(completed))
	for _, r := range completed {
		out = append(out, HistoryPair{
			RunID:       r.RunID,
			UserInput:   r.InputRef,
			FinalOutput: r.OutputRef,
			FinishedAt:  r.FinishedAt,
		})
	}
	return out, nil
}

// Rename renames a session, scoped to the owning user.
func (m *Manager) Rename(ctx context.Context, userID, sessionID, name string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return runtimeerr.New(runtimeerr.PermissionDenied, "session "+sessionID+" is not owned by this user")
	}
	sess.Name = name
	sess.UpdatedAt = time.Now()
	return m.store.PutSession(ctx, sess)
}

// Delete removes a session, scoped to the owning user. Cascading
// deletion of the session's runs is the store's responsibility; both
// recordstore implementations cascade.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return runtimeerr.New(runtimeerr.PermissionDenied, "session "+sessionID+" is not owned by this user")
	}
	return m.store.DeleteSession(ctx, sessionID)
}
