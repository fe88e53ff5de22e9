// Package model defines the shared entity types of the orchestration
// runtime: User, Session, Run, Message, Event, Memory,
// KnowledgeDocument/KnowledgeChunk, AgentSpec, and TeamSpec. These types
// carry no behavior of their own beyond small invariant helpers; the
// subsystems in memory/, knowledge/, session/, and runcoordinator/ own
// the lifecycle rules.
package model

import (
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// User is the identity every other entity is scoped to. Created by the
// (external) auth collaborator; the runtime treats it as read-mostly.
type User struct {
	UserID      string
	Email       string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// Session groups an ordered sequence of Runs under one user.
type Session struct {
	SessionID string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	LastRunID string
}

// RunStatus is the closed set of states a Run can occupy.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunStreaming  RunStatus = "streaming"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether status has no further transitions. A run
// never leaves a terminal status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run is one logical request/response pair.
type Run struct {
	RunID     string
	SessionID string
	UserID    string
	Status    RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	InputRef  string
	OutputRef string
	ErrorKind string
	ErrorMsg  string
}

// Checkpoint captures a snapshot of one in-flight run: its
// last-observed event sequence and the phase it was in when captured.
// It supplements crash recovery rather than replacing it. A crashed run
// is still marked failed on recovery; a Checkpoint only lets a caller
// seed a fresh run with the same input and whatever the producer had
// emitted so far, instead of starting from nothing.
type Checkpoint struct {
	RunID        string
	SessionID    string
	UserID       string
	Phase        string // e.g. "tool_execution", "post_tool", "iteration_end"
	LastRunSeq   int64
	UserInput    string
	PartialText  string // accumulated content_delta text observed so far
	UpdatedAt    time.Time
}

// MessageRole is the closed role set for persisted messages.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAgent      MessageRole = "agent"
	RoleDelegation MessageRole = "delegation"
	RoleTool       MessageRole = "tool"
)

// ToolCallRef records that a message triggered (or reports) a tool call.
type ToolCallRef struct {
	ToolName string
	Args     map[string]any
}

// Message is a single append-only record within a run's conversation.
type Message struct {
	MessageID string
	RunID     string
	Role      MessageRole
	AuthorID  string // agent or team name
	Content   string
	ToolCalls []ToolCallRef
	ToolArgs  map[string]any
	CreatedAt time.Time
	Seq       int64 // monotonic within a run
}

// ToA2A renders the message content as an a2a.Message, so downstream
// consumers that understand the A2A wire format can render it directly.
func (m *Message) ToA2A() *a2a.Message {
	role := a2a.MessageRoleUser
	if m.Role != RoleUser {
		role = a2a.MessageRoleAgent
	}
	msg := a2a.NewMessage(role, a2a.TextPart{Text: m.Content})
	return msg
}

// EventKind is the wire-stable enumeration of event stream entry kinds.
type EventKind string

const (
	EventRunStarted         EventKind = "run_started"
	EventRunCompleted       EventKind = "run_completed"
	EventRunFailed          EventKind = "run_failed"
	EventRunCancelled       EventKind = "run_cancelled"
	EventContentDelta       EventKind = "content_delta"
	EventToolCallStarted    EventKind = "tool_call_started"
	EventToolCallCompleted  EventKind = "tool_call_completed"
	EventMemberStarted      EventKind = "member_started"
	EventMemberCompleted    EventKind = "member_completed"
	EventMemberDelegation   EventKind = "member_delegation"
	EventReasoningStep      EventKind = "reasoning_step"
	EventMetrics            EventKind = "metrics"
	EventError              EventKind = "error"
)

// IsTerminal reports whether kind closes the event stream for a run.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// Event is one append-only entry in a run's event stream.
type Event struct {
	EventID    string
	RunID      string
	ProducerID string // agent/team identity + delegation-tree position
	Kind       EventKind
	Payload    map[string]any
	Timestamp  time.Time
	Seq        int64 // strictly increasing per (RunID, ProducerID), gap-free
	RunSeq     int64 // coordinator-assigned, interleaved emission order
}

// StandardMemoryTopics is the built-in topic vocabulary. Topics are
// normalized to lower-snake-case on storage; arbitrary user-introduced
// topics are still accepted alongside these.
var StandardMemoryTopics = []string{
	"preferences", "goals", "relationships", "family", "identity", "emotional_state",
	"communication_style", "behavioral_patterns", "work", "projects", "deadlines",
	"skills", "expertise", "interests", "hobbies", "sports", "music", "travel",
	"programming", "ai", "technology", "software", "hardware", "location", "events",
	"calendar", "history", "legal", "research", "news", "finance",
}

// Memory is a per-user durable fact extracted from past runs.
type Memory struct {
	MemoryID    string
	UserID      string
	Topics      []string
	Text        string
	Embedding   []float32
	SourceRunID string
	CreatedAt   time.Time
	ArchivedAt  *time.Time
}

// IsArchived reports whether the memory has been archived (merged or superseded).
func (m *Memory) IsArchived() bool { return m.ArchivedAt != nil }

// KnowledgeDocument is a per-user ingested document.
type KnowledgeDocument struct {
	DocID     string
	UserID    string
	Name      string
	MIME      string
	CreatedAt time.Time
}

// KnowledgeChunk is one embedded, independently retrievable segment of a
// KnowledgeDocument.
type KnowledgeChunk struct {
	ChunkID      string
	DocID        string
	UserID       string
	Ordinal      int
	Text         string
	Embedding    []float32
	SourceOffset int
}

// AgentSpec is the static configuration of one agent.
type AgentSpec struct {
	AgentID      string
	Name         string
	Role         string
	Tools        []string
	ModelRef     string
	Instructions string
}

// TeamFlags control leader delegation behavior.
type TeamFlags struct {
	RespondDirectly           bool
	DetermineInputForMembers  bool
	DelegateToAllMembers      bool
	ShareMemberInteractions   bool
	AddTeamHistoryToMembers   bool
	NumHistoryRuns            int
	AddMemberToolsToContext   bool
}

// DefaultTeamFlags returns the flag defaults: leaders synthesize a
// custom task per delegation, everything else off.
func DefaultTeamFlags() TeamFlags {
	return TeamFlags{
		DetermineInputForMembers: true,
	}
}

// Validate enforces the one flag incompatibility: respond_directly
// cannot be combined with delegate_to_all_members.
func (f TeamFlags) Validate() error {
	if f.RespondDirectly && f.DelegateToAllMembers {
		return errRespondDirectlyWithAll
	}
	return nil
}

// Member is a node reachable from a team's leader: either a single agent
// or a nested team. Exactly one of AgentRef/TeamRef is non-empty.
type Member struct {
	ID      string
	AgentRef *AgentSpec
	TeamRef  *TeamSpec
}

// TeamSpec is the static configuration of one team.
type TeamSpec struct {
	TeamID         string
	Name           string
	LeaderModelRef string
	Instructions   string
	Members        []Member
	Flags          TeamFlags
}
