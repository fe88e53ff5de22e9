// Package teamrun provides a multi-agent conversational orchestration
// runtime: a request is routed through a team leader that decides which
// specialist agent(s) to delegate to, invokes them (possibly in
// parallel), optionally consults per-user memory and knowledge
// subsystems, and streams a structured event sequence back to the
// caller.
//
// # Core packages
//
//	agent           - single-purpose executor: prompt assembly, LLM calls, tool loop
//	team            - leader-of-agents: synthetic delegation tool, member aggregation
//	runcoordinator  - per-run state machine: lifecycle, cancellation, persistence
//	session         - groups runs under a stable session identity
//	eventbus        - in-process fan-in of per-producer event streams
//	memory          - per-user memory creation, dedup, retrieval, background merge
//	knowledge       - per-user document ingestion and hybrid vector+keyword search
//	recordstore     - durable store contract (in-memory and SQL implementations)
//	vectorstore     - approximate nearest-neighbor contract (in-memory, chromem, qdrant)
//	llmbackend      - opaque LLM completion contract
//	tool            - uniform tool-call interface, including synthetic delegation tools
//	model           - shared entity types (User, Session, Run, Message, Event, ...)
//
// # Using as a Go library
//
//	import (
//	    "github.com/opnureyes2-del/teamrun/agent"
//	    "github.com/opnureyes2-del/teamrun/team"
//	    "github.com/opnureyes2-del/teamrun/runcoordinator"
//	)
//
// # CLI
//
// cmd/runtime provides a local REPL: one line of input runs one request
// and streams its events to the terminal.
package teamrun
