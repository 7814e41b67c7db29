package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.UpsertProject("proj-1", t.TempDir()); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return New(st, t.TempDir()), st
}

func TestRun_SubstitutesArgsAndVariables(t *testing.T) {
	e, st := newTestExecutor(t)
	if err := st.SetVariable("proj-1", "Greeting", "hello"); err != nil {
		t.Fatalf("set variable: %v", err)
	}
	tool := capmodel.Tool{
		ID:   "greet",
		Type: capmodel.ToolTypeCommand,
		Def:  capmodel.ToolDef{Run: capmodel.CommandRun{Cmd: "echo ${Greeting} {name}"}},
	}

	result, err := e.Run(context.Background(), "proj-1", tool, map[string]interface{}{"name": "world"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got: %+v", result)
	}
	if strings.TrimSpace(result.Output) != "hello world" {
		t.Errorf("unexpected output: %q", result.Output)
	}
}

func TestRun_MissingRequiredArgument_Fails(t *testing.T) {
	e, _ := newTestExecutor(t)
	tool := capmodel.Tool{
		ID:   "greet",
		Type: capmodel.ToolTypeCommand,
		Def:  capmodel.ToolDef{Run: capmodel.CommandRun{Cmd: "echo {name}"}},
	}

	result, err := e.Run(context.Background(), "proj-1", tool, map[string]interface{}{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for a missing required argument")
	}
	if !strings.Contains(result.Output, "name") {
		t.Errorf("expected the missing argument name in the error, got: %q", result.Output)
	}
}

func TestRun_NonzeroExit_ReportsFailureWithStderr(t *testing.T) {
	e, _ := newTestExecutor(t)
	tool := capmodel.Tool{
		ID:   "fail",
		Type: capmodel.ToolTypeCommand,
		Def:  capmodel.ToolDef{Run: capmodel.CommandRun{Cmd: "echo boom >&2; exit 1"}},
	}

	result, err := e.Run(context.Background(), "proj-1", tool, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for nonzero exit")
	}
	if strings.TrimSpace(result.Output) != "boom" {
		t.Errorf("expected stderr to surface as the failure output, got: %q", result.Output)
	}
}

func TestRun_InitRunsOnceAndIsPersisted(t *testing.T) {
	e, st := newTestExecutor(t)
	tool := capmodel.Tool{
		ID:   "withinit",
		Type: capmodel.ToolTypeCommand,
		Def: capmodel.ToolDef{
			Init: "echo initialized",
			Run:  capmodel.CommandRun{Cmd: "echo ran"},
		},
	}

	if _, err := e.Run(context.Background(), "proj-1", tool, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	state, err := st.GetToolInitState("proj-1", "withinit")
	if err != nil {
		t.Fatalf("expected init state to be persisted: %v", err)
	}
	if !state.Initialized {
		t.Fatal("expected init to be marked successful")
	}

	// A second run must not re-run init; stub it out by breaking the init
	// command and confirming the run still succeeds.
	tool.Def.Init = "exit 1"
	result, err := e.Run(context.Background(), "proj-1", tool, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected init to be short-circuited on the second run, got: %+v", result)
	}
}

func TestRun_FailedInit_ShortCircuitsWithoutRerunning(t *testing.T) {
	e, _ := newTestExecutor(t)
	tool := capmodel.Tool{
		ID:   "badinit",
		Type: capmodel.ToolTypeCommand,
		Def: capmodel.ToolDef{
			Init: "echo init failed >&2; exit 1",
			Run:  capmodel.CommandRun{Cmd: "echo should not run"},
		},
	}

	result, err := e.Run(context.Background(), "proj-1", tool, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure when init fails")
	}

	// Second call must short-circuit with the same stored failure rather
	// than attempting init (or run) again.
	result2, err := e.Run(context.Background(), "proj-1", tool, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result2.Success {
		t.Fatal("expected the second run to still short-circuit as failed")
	}
}
