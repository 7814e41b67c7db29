// Package mcpproxy maintains at most one live MCP client per (project,
// serverId) pair and forwards tools/list and tools/call to it, over either a
// subprocess's stdio pipes or a remote HTTP connection.
package mcpproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/oauth2"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/internal/supervisor"
	"github.com/capa-dev/capabroker/internal/varsub"
	"github.com/capa-dev/capabroker/pkg/logging"
	pkgstrings "github.com/capa-dev/capabroker/pkg/strings"
)

// Tool is the passthrough shape of an upstream server's tool listing entry.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the passthrough shape of an upstream tools/call response.
type CallResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

var errUnresolvedVariables = fmt.Errorf("server configuration has unresolved variables")
var errAuthenticationRequired = fmt.Errorf("authentication required")

// jsonrpcRequest/Response model the single request/response exchange this
// proxy performs against an upstream MCP server; no batching or
// notifications are needed for tools/list and tools/call.
type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// client is the live connection to one upstream MCP server.
type client struct {
	mu            sync.Mutex
	def           capmodel.ServerDef
	supProcess    *supervisor.Process // non-nil for subprocess-kind servers
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	nextID        int
	httpClient    *http.Client
	sessionHeader string
}

// Proxy owns the client cache and the dependencies needed to establish new
// connections: the subprocess supervisor for local servers and the OAuth2
// manager for remote, authenticated ones.
type Proxy struct {
	mu       sync.Mutex
	clients  map[string]*client
	group    singleflight.Group
	store    *store.Store
	sup      *supervisor.Supervisor
	oauth    *oauth2.Manager
}

// New constructs a Proxy backed by the given supervisor (for subprocess
// servers) and OAuth2 manager (for authenticated remote servers).
func New(st *store.Store, sup *supervisor.Supervisor, oauth *oauth2.Manager) *Proxy {
	return &Proxy{
		clients: make(map[string]*client),
		store:   st,
		sup:     sup,
		oauth:   oauth,
	}
}

func key(projectID, serverID string) string {
	return projectID + "/" + serverID
}

// resolvedDef substitutes ${Name} tokens throughout def using the project's
// stored variables, failing synchronously if any token remains unresolved.
func (p *Proxy) resolvedDef(projectID string, def capmodel.ServerDef) (capmodel.ServerDef, error) {
	vars, err := p.store.GetVariables(projectID)
	if err != nil {
		return capmodel.ServerDef{}, fmt.Errorf("loading project variables: %w", err)
	}
	lookup := varsub.MapLookup(vars)

	raw, err := json.Marshal(def)
	if err != nil {
		return capmodel.ServerDef{}, fmt.Errorf("marshaling server def: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return capmodel.ServerDef{}, fmt.Errorf("unmarshaling server def: %w", err)
	}

	substituted, missing := varsub.Replace(generic, lookup)
	if len(missing) > 0 {
		return capmodel.ServerDef{}, errUnresolvedVariables
	}

	out, err := json.Marshal(substituted)
	if err != nil {
		return capmodel.ServerDef{}, fmt.Errorf("marshaling substituted def: %w", err)
	}
	var resolved capmodel.ServerDef
	if err := json.Unmarshal(out, &resolved); err != nil {
		return capmodel.ServerDef{}, fmt.Errorf("unmarshaling substituted def: %w", err)
	}
	return resolved, nil
}

// getOrConnect returns the cached client for (projectID, serverID), dialing
// a new one if none exists yet. Concurrent callers for the same key dedup
// onto a single connection attempt.
func (p *Proxy) getOrConnect(ctx context.Context, projectID, serverID, projectPath string, def capmodel.ServerDef) (*client, error) {
	k := key(projectID, serverID)

	p.mu.Lock()
	if c, ok := p.clients[k]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(k, func() (interface{}, error) {
		p.mu.Lock()
		if c, ok := p.clients[k]; ok {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		resolved, err := p.resolvedDef(projectID, def)
		if err != nil {
			return nil, err
		}

		if resolved.IsRemote() && resolved.OAuth2 != nil && !p.oauth.IsConnected(projectID, serverID) {
			return nil, errAuthenticationRequired
		}

		var c *client
		if resolved.IsRemote() {
			c = &client{def: resolved, httpClient: newHTTPClient(resolved.TLSSkipVerify)}
		} else {
			proc, err := p.sup.GetOrCreateSubprocess(projectID, serverID, resolved, projectPath)
			if err != nil {
				return nil, fmt.Errorf("starting subprocess: %w", err)
			}
			stdin, stdout := proc.Stdio()
			c = &client{def: resolved, supProcess: proc, stdin: stdin, stdout: bufio.NewReader(stdout)}
		}

		p.mu.Lock()
		p.clients[k] = c
		p.mu.Unlock()
		logging.Info("mcpproxy", "connected to server %s for project %s", serverID, projectID)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*client), nil
}

// Forget drops the cached client for (projectID, serverID); the next call
// establishes a fresh connection. Used when a subprocess has been restarted
// out from under the proxy.
func (p *Proxy) Forget(projectID, serverID string) {
	p.mu.Lock()
	delete(p.clients, key(projectID, serverID))
	p.mu.Unlock()
}

// CloseAll drops every cached client, invoked on broker shutdown before the
// underlying subprocesses are terminated. Stdio pipes belong to the
// supervisor's Process and are closed when it stops the subprocess; this
// just empties the proxy's own cache so a lingering reference cannot be
// used to send another request mid-shutdown.
func (p *Proxy) CloseAll() {
	p.mu.Lock()
	p.clients = make(map[string]*client)
	p.mu.Unlock()
}

// ListTools forwards tools/list to the given server and returns its
// passthrough tool listing.
func (p *Proxy) ListTools(ctx context.Context, projectID, serverID, projectPath string, def capmodel.ServerDef) ([]Tool, error) {
	c, err := p.getOrConnect(ctx, projectID, serverID, projectPath, def)
	if err != nil {
		return nil, err
	}
	result, err := p.call(ctx, projectID, serverID, c, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return payload.Tools, nil
}

// CallTool forwards tools/call with the given name and arguments and
// returns the upstream content array as-is.
func (p *Proxy) CallTool(ctx context.Context, projectID, serverID, projectPath string, def capmodel.ServerDef, toolName string, args map[string]interface{}) (*CallResult, error) {
	c, err := p.getOrConnect(ctx, projectID, serverID, projectPath, def)
	if err != nil {
		return nil, err
	}
	result, err := p.call(ctx, projectID, serverID, c, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var cr CallResult
	if err := json.Unmarshal(result, &cr); err != nil {
		return nil, fmt.Errorf("decoding tools/call result: %w", err)
	}
	return &cr, nil
}

// call dispatches one JSON-RPC request over the client's transport,
// whichever it is.
func (p *Proxy) call(ctx context.Context, projectID, serverID string, c *client, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	isRemote := c.def.IsRemote()
	c.mu.Unlock()

	if isRemote {
		return p.callRemote(ctx, projectID, serverID, c, method, params)
	}
	return p.callStdio(c, method, params)
}

func (c *client) nextRequestID() int {
	c.nextID++
	return c.nextID
}

// callStdio writes one newline-delimited JSON-RPC request to the
// subprocess's stdin and reads a single matching response line from stdout.
func (p *Proxy) callStdio(c *client, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: c.nextRequestID(), Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing to subprocess: %w", err)
	}

	respLine, err := c.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading from subprocess: %w", err)
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("decoding subprocess response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// callRemote performs the HTTP transport described in the connection
// matrix: headers, session-id capture, SSE-single-line parsing, and a
// single OAuth2-refresh-and-retry on 401.
func (p *Proxy) callRemote(ctx context.Context, projectID, serverID string, c *client, method string, params interface{}) (json.RawMessage, error) {
	resp, status, body, err := p.doRemoteRequest(ctx, projectID, serverID, c, method, params)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.def.OAuth2 != nil {
		ok, refreshErr := p.oauth.RefreshAccessToken(ctx, projectID, serverID, c.def.OAuth2.TokenEndpoint, c.def.OAuth2.ClientID)
		if refreshErr != nil || !ok {
			return nil, fmt.Errorf("authentication failed. Please reconnect OAuth2")
		}
		resp, status, body, err = p.doRemoteRequest(ctx, projectID, serverID, c, method, params)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("authentication failed. Please reconnect OAuth2")
		}
	}

	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", status, pkgstrings.TruncateDescription(string(body), 200))
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// doRemoteRequest issues one HTTP POST and parses either a plain JSON body
// or a single-line SSE "data:" frame into a jsonrpcResponse.
func (p *Proxy) doRemoteRequest(ctx context.Context, projectID, serverID string, c *client, method string, params interface{}) (jsonrpcResponse, int, []byte, error) {
	c.mu.Lock()
	def := c.def
	sessionHeader := c.sessionHeader
	c.mu.Unlock()

	reqID := c.nextRequestID()
	req := jsonrpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return jsonrpcResponse{}, 0, nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, def.URL, bytes.NewReader(payload))
	if err != nil {
		return jsonrpcResponse{}, 0, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range def.Headers {
		httpReq.Header.Set(k, v)
	}
	if sessionHeader != "" {
		httpReq.Header.Set("mcp-session-id", sessionHeader)
	}
	if def.OAuth2 != nil {
		token, err := p.oauth.GetAccessToken(ctx, projectID, serverID, def.OAuth2.TokenEndpoint, def.OAuth2.ClientID)
		if err == nil && token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return jsonrpcResponse{}, 0, nil, fmt.Errorf("connecting to upstream: %w", err)
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get("mcp-session-id"); sid != "" {
		c.mu.Lock()
		c.sessionHeader = sid
		c.mu.Unlock()
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return jsonrpcResponse{}, httpResp.StatusCode, nil, fmt.Errorf("reading upstream response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return jsonrpcResponse{}, httpResp.StatusCode, body, nil
	}

	contentType := httpResp.Header.Get("Content-Type")
	var jsonBody []byte
	if strings.Contains(contentType, "text/event-stream") {
		jsonBody = extractSSEData(body)
	} else {
		jsonBody = body
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(jsonBody, &resp); err != nil {
		return jsonrpcResponse{}, httpResp.StatusCode, body, fmt.Errorf("decoding upstream response: %w", err)
	}
	return resp, httpResp.StatusCode, body, nil
}

// extractSSEData returns the JSON payload of the first "data: " line in an
// SSE-framed response body. Other framing (event/id lines, multiple data
// lines) is not required for the core and is ignored.
func extractSSEData(body []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return body
}

func newHTTPClient(tlsSkipVerify bool) *http.Client {
	c := &http.Client{Timeout: 30 * time.Second}
	if tlsSkipVerify {
		c.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return c
}

// ErrUnresolvedVariables reports whether err is the synchronous failure
// raised when a server definition still has unresolved ${Name} tokens.
func ErrUnresolvedVariables(err error) bool {
	return err == errUnresolvedVariables
}

// ErrAuthenticationRequired reports whether err is the synchronous failure
// raised when a server declares oauth2 but has no connected token yet; the
// proxy never dials such a server.
func ErrAuthenticationRequired(err error) bool {
	return err == errAuthenticationRequired
}
