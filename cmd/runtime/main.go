// Command runtime is the local REPL surface of the orchestration
// runtime: read one user line, run one request, stream its events to
// the terminal, repeat until an exit token.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	teamrun "github.com/opnureyes2-del/teamrun"
	"github.com/opnureyes2-del/teamrun/embedder"
	"github.com/opnureyes2-del/teamrun/eventbus"
	runtimeconfig "github.com/opnureyes2-del/teamrun/internal/config"
	"github.com/opnureyes2-del/teamrun/internal/obslog"
	"github.com/opnureyes2-del/teamrun/knowledge"
	"github.com/opnureyes2-del/teamrun/llmbackend"
	"github.com/opnureyes2-del/teamrun/memory"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/observability"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runcoordinator"
	"github.com/opnureyes2-del/teamrun/session"
	"github.com/opnureyes2-del/teamrun/team"
	"github.com/opnureyes2-del/teamrun/tool"
	"github.com/opnureyes2-del/teamrun/vectorstore"
)

// Exit codes: 0 normal, 1 config error, 2 runtime error, 130 interrupt.
const (
	exitNormal      = 0
	exitConfigError = 1
	exitRuntimeErr  = 2
	exitInterrupt   = 130
)

var exitTokens = map[string]bool{"exit": true, "quit": true, "bye": true}

// CLI is the kong command surface. Chat is the default command.
type CLI struct {
	Config string `short:"c" help:"Path to YAML config file (optional)." type:"path"`
	UserID string `help:"User identity driving this session." default:"repl-user"`

	Chat    ChatCmd    `cmd:"" default:"1" help:"Start the interactive REPL."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints build info and exits.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println(teamrun.GetVersion().String())
	return nil
}

// ChatCmd runs the interactive REPL loop.
type ChatCmd struct{}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := runtimeconfig.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfigError)
	}
	logger := obslog.New(obslog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter: cfg.TracingExporter,
		Endpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfigError)
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "runtime error:", err)
		os.Exit(exitRuntimeErr)
	}

	go rt.memorySub.RunOptimizerLoop(ctx, 10*time.Minute, func() []string {
		return []string{cli.UserID}
	})

	code := runREPL(ctx, rt, cli.UserID)

	// Flush buffered spans before the process exits; os.Exit skips defers.
	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = shutdownTracing(flushCtx)
	cancel()
	os.Exit(code)
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("runtime"),
		kong.Description("Agent/team orchestration runtime REPL"),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}

// runtime bundles every collaborator a run needs, wired from cfg. The
// concrete LLMBackend is Echo; swapping in a real adapter means
// supplying a different llmbackend.Backend here, nothing else changes.
type runtime struct {
	coordinator  *runcoordinator.Coordinator
	store        recordstore.RecordStore
	backend      llmbackend.Backend
	memorySub    *memory.Subsystem
	knowledgeSub *knowledge.Subsystem
	logger       *slog.Logger
}

func buildRuntime(cfg *runtimeconfig.Config, logger *slog.Logger) (*runtime, error) {
	store := recordstore.New()
	sessions := session.New(store)

	vs, err := vectorstore.New(vectorstore.Config{Type: vectorstore.ProviderMemory})
	if err != nil {
		return nil, err
	}
	embed := embedder.NewFake(cfg.EmbeddingDim)

	memorySub := memory.New(store, vs, embed, nil, memory.DefaultConfig())
	knowledgeSub := knowledge.New(store, vs, embed, knowledge.DefaultConfig())

	reg := prometheus.NewRegistry()
	opts := runcoordinator.Options{
		SoftRunTimeout: cfg.RunTimeout,
		CancelGrace:    cfg.CancelGrace,
		Tracer:         observability.NewTracer(),
		Metrics:        observability.NewMetrics(reg),
	}

	return &runtime{
		coordinator:  runcoordinator.New(store, sessions, opts),
		store:        store,
		backend:      llmbackend.NewEcho("repl"),
		memorySub:    memorySub,
		knowledgeSub: knowledgeSub,
		logger:       logger,
	}, nil
}

func runREPL(ctx context.Context, rt *runtime, userID string) int {
	reader := bufio.NewReader(os.Stdin)
	sessionID := ""

	fmt.Println("teamrun REPL. Type a message, or exit/quit/bye to leave.")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted")
			return exitInterrupt
		default:
		}

		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return exitNormal
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if exitTokens[strings.ToLower(input)] {
			fmt.Println("goodbye")
			return exitNormal
		}

		sid, code := runOnce(ctx, rt, userID, sessionID, input)
		if code != exitNormal {
			return code
		}
		sessionID = sid
	}
}

// runOnce drives exactly one run through the coordinator and prints its
// event stream to the terminal, the REPL-granularity equivalent of a
// server's framed SSE events.
func runOnce(ctx context.Context, rt *runtime, userID, sessionID, input string) (string, int) {
	leaderTools := tool.NewSet(
		memory.NewSearchTool(rt.memorySub, userID),
		knowledge.NewSearchTool(rt.knowledgeSub, userID),
	)

	spec := model.TeamSpec{
		TeamID:         "repl-team",
		Name:           "REPL Team",
		LeaderModelRef: rt.backend.Name(),
		Instructions:   "Answer the user directly unless a tool is clearly useful.",
		Flags:          model.DefaultTeamFlags(),
		Members: []model.Member{
			{
				ID: "assistant",
				AgentRef: &model.AgentSpec{
					AgentID:      "assistant",
					Name:         "Assistant",
					Role:         "general-purpose assistant",
					ModelRef:     rt.backend.Name(),
					Instructions: "You are a helpful general-purpose assistant.",
				},
			},
		},
	}

	servicesFor := func(memberID string) team.MemberServices {
		return team.MemberServices{Backend: rt.backend, Tools: tool.NewSet()}
	}

	buildRunner := func(bus *eventbus.Bus) (string, runcoordinator.Runner, error) {
		tm, err := team.New(spec, bus, rt.backend, leaderTools, servicesFor, 0, 0)
		if err != nil {
			return "", nil, err
		}
		return spec.TeamID, tm, nil
	}

	handle, err := rt.coordinator.Start(ctx, buildRunner, runcoordinator.StartInput{
		UserID:      userID,
		SessionID:   sessionID,
		UserInput:   input,
		HistoryRuns: 5,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return sessionID, exitRuntimeErr
	}

	for e := range handle.Events() {
		printEvent(e)
	}
	if _, err := handle.Wait(); err != nil {
		rt.logger.Error("run failed", "error", err)
	}
	fmt.Println()

	// Carry the same session across turns: the first turn leaves
	// SessionID empty, so the coordinator creates one; every later
	// turn reuses it by reading the run record back out.
	if sessionID == "" {
		if run, err := rt.store.GetRun(ctx, handle.RunID); err == nil {
			sessionID = run.SessionID
		}
	}
	return sessionID, exitNormal
}

func printEvent(e *model.Event) {
	switch e.Kind {
	case model.EventContentDelta:
		if text, ok := e.Payload["text"].(string); ok {
			fmt.Print(text)
		}
	case model.EventToolCallStarted:
		fmt.Printf("\n[tool: %v]", e.Payload["tool_name"])
	case model.EventMemberStarted:
		fmt.Printf("\n[member %v started]\n", e.Payload["member_id"])
	case model.EventMemberCompleted:
		fmt.Printf("[member %v completed: %v]\n", e.Payload["member_id"], e.Payload["status"])
	case model.EventError:
		fmt.Printf("\n[error: %v]", e.Payload["message"])
	case model.EventRunFailed:
		fmt.Printf("\n[run failed: %v]", e.Payload["message"])
	case model.EventRunCancelled:
		fmt.Print("\n[run cancelled]")
	}
}
