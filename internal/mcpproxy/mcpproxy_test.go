package mcpproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/oauth2"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/internal/supervisor"
)

func newTestProxy(t *testing.T) (*Proxy, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sup := supervisor.New(st)
	t.Cleanup(sup.StopAll)
	oa := oauth2.New(st, "http://127.0.0.1:5912")
	return New(st, sup, oa), st
}

// stdioServerScript is a tiny shell JSON-RPC server: it echoes back a
// tools/list result for any request, ignoring the method entirely, which is
// enough to exercise the stdio transport's framing.
const stdioServerScript = `while read -r line; do
  echo '{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"ping","description":"pings"}]}}'
done`

func TestListTools_OverStdio(t *testing.T) {
	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{Cmd: "sh", Args: []string{"-c", stdioServerScript}}

	tools, err := p.ListTools(context.Background(), "proj-1", "echo", "/tmp", def)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestGetOrConnect_ReusesClientAcrossCalls(t *testing.T) {
	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{Cmd: "sh", Args: []string{"-c", stdioServerScript}}

	if _, err := p.ListTools(context.Background(), "proj-1", "echo", "/tmp", def); err != nil {
		t.Fatalf("first call: %v", err)
	}
	p.mu.Lock()
	n := len(p.clients)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one cached client, got %d", n)
	}

	if _, err := p.ListTools(context.Background(), "proj-1", "echo", "/tmp", def); err != nil {
		t.Fatalf("second call: %v", err)
	}
	p.mu.Lock()
	n = len(p.clients)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the client to be reused, got %d cached clients", n)
	}
}

func TestListTools_UnresolvedVariable_FailsSynchronously(t *testing.T) {
	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{Cmd: "${Missing}"}

	_, err := p.ListTools(context.Background(), "proj-1", "srv", "/tmp", def)
	if err == nil {
		t.Fatal("expected an error for an unresolved variable")
	}
	if !ErrUnresolvedVariables(err) {
		t.Errorf("expected the unresolved-variables sentinel, got: %v", err)
	}
}

func TestListTools_SubstitutesProjectVariables(t *testing.T) {
	p, st := newTestProxy(t)
	if err := st.SetVariable("proj-1", "Shell", "sh"); err != nil {
		t.Fatalf("set variable: %v", err)
	}
	def := capmodel.ServerDef{Cmd: "${Shell}", Args: []string{"-c", stdioServerScript}}

	tools, err := p.ListTools(context.Background(), "proj-1", "echo", "/tmp", def)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected substitution to let the subprocess start, got: %+v", tools)
	}
}

func TestCallTool_OverRemoteHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Custom") != "hello" {
			t.Errorf("expected custom header to be forwarded")
		}
		w.Header().Set("mcp-session-id", "sess-abc")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]interface{}{
				"content": []interface{}{map[string]interface{}{"type": "text", "text": "pong"}},
			},
		})
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{URL: server.URL, Headers: map[string]string{"X-Custom": "hello"}}

	result, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "ping", map[string]interface{}{})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestCallTool_CapturesSessionIDAcrossCalls(t *testing.T) {
	var sawSessionOnSecondCall bool
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			sawSessionOnSecondCall = r.Header.Get("mcp-session-id") == "sess-xyz"
		}
		w.Header().Set("mcp-session-id", "sess-xyz")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": calls,
			"result": map[string]interface{}{"content": []interface{}{}},
		})
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{URL: server.URL}

	if _, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "a", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "b", nil); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !sawSessionOnSecondCall {
		t.Error("expected the captured mcp-session-id to be attached to the second request")
	}
}

func TestCallTool_SSEResponseParsed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"content\":[]}}\n\n"))
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{URL: server.URL}

	result, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "ping", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
}

func TestCallTool_401WithoutOAuth2_FailsImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("unauthorized"))
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{URL: server.URL}

	_, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "ping", nil)
	if err == nil {
		t.Fatal("expected an error for an unauthenticated 401")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected the status to be in the error, got: %v", err)
	}
}

func TestCallTool_OAuth2ConfiguredButNotConnected_FailsWithoutDialing(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{
		URL: server.URL,
		OAuth2: &capmodel.OAuth2Def{
			TokenEndpoint: "https://example.invalid/token",
			ClientID:      "capa",
		},
	}

	_, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "ping", nil)
	if err == nil {
		t.Fatal("expected an error for an oauth2-configured server with no stored token")
	}
	if !ErrAuthenticationRequired(err) {
		t.Errorf("expected the authentication-required sentinel, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no upstream dial for an unconnected oauth2 server, got %d calls", calls)
	}
}

func TestListTools_OAuth2ConfiguredButNotConnected_FailsWithoutDialing(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, _ := newTestProxy(t)
	def := capmodel.ServerDef{
		URL:    server.URL,
		OAuth2: &capmodel.OAuth2Def{TokenEndpoint: "https://example.invalid/token", ClientID: "capa"},
	}

	_, err := p.ListTools(context.Background(), "proj-1", "remote", "/tmp", def)
	if err == nil {
		t.Fatal("expected an error for an oauth2-configured server with no stored token")
	}
	if !ErrAuthenticationRequired(err) {
		t.Errorf("expected the authentication-required sentinel, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no upstream dial for an unconnected oauth2 server, got %d calls", calls)
	}
}

func TestCallTool_401WithOAuth2_RefreshesAndRetries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		auth := r.Header.Get("Authorization")
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if auth != "Bearer fresh-token" {
			t.Errorf("expected retried request to carry the refreshed token, got %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": calls,
			"result": map[string]interface{}{"content": []interface{}{}},
		})
	}))
	defer server.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "fresh-token",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	}))
	defer tokenServer.Close()

	p, st := newTestProxy(t)
	expired := time.Now().Add(-time.Minute)
	if err := st.PutToken(store.Token{
		ProjectID: "proj-1", ServerID: "remote",
		AccessToken: "stale", RefreshToken: "rt-1", ExpiresAt: &expired,
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	def := capmodel.ServerDef{
		URL: server.URL,
		OAuth2: &capmodel.OAuth2Def{
			TokenEndpoint: tokenServer.URL,
			ClientID:      "capa",
			Connected:     true,
		},
	}

	result, err := p.CallTool(context.Background(), "proj-1", "remote", "/tmp", def, "ping", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result after the retry succeeded")
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls)
	}
}
