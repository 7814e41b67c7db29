package session

import (
	"testing"
	"time"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	caps := capmodel.Capabilities{
		Skills: []capmodel.Skill{
			{ID: "review", Requires: []string{"lint", "test"}},
			{ID: "deploy", Requires: []string{"ship"}},
		},
		Tools: []capmodel.Tool{
			{ID: "mcp-tool", Type: capmodel.ToolTypeMCP, Def: capmodel.ToolDef{Server: "@github", Tool: "x"}},
		},
	}

	m := NewManager(st, func(projectID string) (capmodel.Capabilities, bool) {
		if projectID != "proj-1" {
			return capmodel.Capabilities{}, false
		}
		return caps, true
	})
	return m, st
}

func TestCreateSession(t *testing.T) {
	m, _ := newTestManager(t)
	sess := m.CreateSession("proj-1")
	if sess.ID == "" || sess.ProjectID != "proj-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	got, ok := m.GetSession(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Fatalf("expected to retrieve created session")
	}
}

func TestSetupTools_UnionsSkillRequirementsAndPluginTools(t *testing.T) {
	m, _ := newTestManager(t)
	sess := m.CreateSession("proj-1")

	required, err := m.SetupTools(sess.ID, []string{"review"})
	if err != nil {
		t.Fatalf("setup tools: %v", err)
	}

	want := map[string]bool{"lint": true, "test": true, "mcp-tool": true}
	if len(required) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), required)
	}
	for _, r := range required {
		if !want[r] {
			t.Errorf("unexpected tool in required set: %s", r)
		}
	}

	if !sess.HasTool("lint") || !sess.HasTool("mcp-tool") {
		t.Error("expected session to reflect activated tools")
	}
	if sess.HasTool("ship") {
		t.Error("did not expect inactive skill's tool to be available")
	}
}

func TestSetupTools_UnknownSkill(t *testing.T) {
	m, _ := newTestManager(t)
	sess := m.CreateSession("proj-1")

	if _, err := m.SetupTools(sess.ID, []string{"bogus"}); err == nil {
		t.Error("expected error for unknown skill")
	}
}

func TestGetAllRequiredToolsForProject(t *testing.T) {
	m, _ := newTestManager(t)

	tools, err := m.GetAllRequiredToolsForProject("proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]bool{"lint": true, "test": true, "ship": true, "mcp-tool": true}
	if len(tools) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), tools)
	}
}

func TestGetSession_RehydratesFromStore(t *testing.T) {
	m, st := newTestManager(t)

	now := time.Now().Truncate(time.Second)
	if err := st.PutSession(store.SessionRecord{
		SessionID: "external-1", ProjectID: "proj-1",
		ActiveSkills: []string{"review"}, AvailableTools: []string{"lint"},
		CreatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	sess, ok := m.GetSession("external-1")
	if !ok {
		t.Fatal("expected session to be rehydrated from store")
	}
	if !sess.HasTool("lint") {
		t.Error("expected rehydrated session to carry over available tools")
	}
}

func TestDeleteSession(t *testing.T) {
	m, _ := newTestManager(t)
	sess := m.CreateSession("proj-1")

	m.DeleteSession(sess.ID)

	if _, ok := m.GetSession(sess.ID); ok {
		t.Error("expected session to be gone after delete")
	}
}

func TestIdleSweep_RemovesStaleSessions(t *testing.T) {
	m, _ := newTestManager(t)
	m.idleTimeout = time.Millisecond

	sess := m.CreateSession("proj-1")
	time.Sleep(5 * time.Millisecond)

	m.sweepIdle()

	if _, ok := m.GetSession(sess.ID); ok {
		t.Error("expected idle session to be swept")
	}
}
