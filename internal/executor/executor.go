// Package executor runs "command"-type tools: a one-time init command
// gated by persisted state, then the tool's run command with argument and
// project-variable substitution, under a hard wall-clock timeout.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/internal/varsub"
	"github.com/capa-dev/capabroker/pkg/logging"
)

// commandTimeout bounds every shelled-out invocation, init or run.
const commandTimeout = 60 * time.Second

var argPlaceholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// ArgNames returns every {argName} placeholder referenced by run's command
// and args, in first-seen order, for the Router's schema synthesis.
func ArgNames(run capmodel.CommandRun) []string {
	seen := make(map[string]bool)
	var names []string
	collect := func(s string) {
		for _, m := range argPlaceholderPattern.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	collect(run.Cmd)
	for _, a := range run.Args {
		collect(a)
	}
	return names
}

// Result is the shape returned to the caller for both init and run outcomes.
type Result struct {
	Success bool
	Output  string
}

// Executor runs command tools for a project, gating each tool's init
// command to at most one successful or failed attempt.
type Executor struct {
	store       *store.Store
	projectPath string
}

// New constructs an Executor backed by st, running commands rooted at
// projectPath.
func New(st *store.Store, projectPath string) *Executor {
	return &Executor{store: st, projectPath: projectPath}
}

// Run executes tool, substituting {argName} placeholders from args and
// ${Var} placeholders from the project's stored variables, after ensuring
// def.init (if any) has run successfully exactly once.
func (e *Executor) Run(ctx context.Context, projectID string, tool capmodel.Tool, args map[string]interface{}) (Result, error) {
	if tool.Def.Init != "" {
		if err := e.ensureInitialized(ctx, projectID, tool); err != nil {
			return Result{Success: false, Output: err.Error()}, nil
		}
	}

	cmdLine, err := e.substitute(projectID, tool.Def.Run.Cmd, args)
	if err != nil {
		return Result{Success: false, Output: err.Error()}, nil
	}
	cmdArgs := make([]string, len(tool.Def.Run.Args))
	for i, a := range tool.Def.Run.Args {
		substituted, err := e.substitute(projectID, a, args)
		if err != nil {
			return Result{Success: false, Output: err.Error()}, nil
		}
		cmdArgs[i] = substituted
	}

	return e.runShell(ctx, cmdLine, cmdArgs), nil
}

// ensureInitialized runs tool.Def.Init once per (project, tool), persisting
// success or failure so later calls short-circuit rather than re-running.
func (e *Executor) ensureInitialized(ctx context.Context, projectID string, tool capmodel.Tool) error {
	st, err := e.store.GetToolInitState(projectID, tool.ID)
	if err == nil {
		if st.Initialized {
			return nil
		}
		return fmt.Errorf("tool init previously failed: %s", st.Error)
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("checking init state: %w", err)
	}

	result := e.runShell(ctx, tool.Def.Init, nil)
	persistErr := e.store.PutToolInitState(store.ToolInitState{
		ProjectID:   projectID,
		ToolID:      tool.ID,
		Initialized: result.Success,
		Error:       result.Output,
	})
	if persistErr != nil {
		logging.Error("executor", persistErr, "failed to persist init state for tool %s", tool.ID)
	}
	if !result.Success {
		return fmt.Errorf("tool init failed: %s", result.Output)
	}
	return nil
}

// substitute replaces {argName} tokens from args first (missing required
// argument is an error), then ${Var} tokens from project variables.
func (e *Executor) substitute(projectID, s string, args map[string]interface{}) (string, error) {
	var missingArg string
	withArgs := argPlaceholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[1 : len(token)-1]
		v, ok := args[name]
		if !ok {
			missingArg = name
			return token
		}
		return fmt.Sprintf("%v", v)
	})
	if missingArg != "" {
		return "", fmt.Errorf("missing required argument %q", missingArg)
	}

	vars, err := e.store.GetVariables(projectID)
	if err != nil {
		return "", fmt.Errorf("loading project variables: %w", err)
	}
	resolved, missing := varsub.ReplaceString(withArgs, varsub.MapLookup(vars))
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved variable %q", missing[0])
	}
	return resolved, nil
}

// runShell invokes cmdLine through "sh -c" under a 60s wall-clock timeout,
// with extraArgs passed through as the script's positional parameters, and
// maps the outcome to a Result: exit 0 is success with stdout (falling back
// to stderr if stdout is empty); nonzero is failure with stderr (falling
// back to stdout).
func (e *Executor) runShell(ctx context.Context, cmdLine string, extraArgs []string) Result {
	if cmdLine == "" {
		return Result{Success: true}
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	shellArgs := append([]string{"-c", cmdLine, "sh"}, extraArgs...)
	fullCmd := exec.CommandContext(runCtx, "sh", shellArgs...)
	fullCmd.Dir = e.projectPath

	var stdout, stderr bytes.Buffer
	fullCmd.Stdout = &stdout
	fullCmd.Stderr = &stderr

	runErr := fullCmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Success: false, Output: "command timed out after 60s"}
	}

	if runErr != nil {
		out := stderr.String()
		if out == "" {
			out = stdout.String()
		}
		return Result{Success: false, Output: out}
	}

	out := stdout.String()
	if out == "" {
		out = stderr.String()
	}
	return Result{Success: true, Output: out}
}
