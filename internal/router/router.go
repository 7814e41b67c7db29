// Package router terminates the per-project MCP JSON-RPC endpoint and the
// control HTTP API, dispatching tools/call to the Command Executor or MCP
// Proxy depending on tool type and translating every failure into the
// JSON-RPC or HTTP error shape the client expects.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/executor"
	"github.com/capa-dev/capabroker/internal/mcpproxy"
	"github.com/capa-dev/capabroker/internal/oauth2"
	"github.com/capa-dev/capabroker/internal/session"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/internal/supervisor"
	"github.com/capa-dev/capabroker/pkg/logging"
)

const protocolVersion = "2024-11-05"

const (
	metaToolSetupTools = "setup_tools"
	metaToolCallTool    = "call_tool"
)

var stubSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Router owns the per-project capabilities cache, the session manager, and
// the schema memoization cache, and dispatches JSON-RPC requests across the
// Command Executor and MCP Proxy.
type Router struct {
	store *store.Store
	proxy *mcpproxy.Proxy
	sup   *supervisor.Supervisor
	oauth *oauth2.Manager

	sessions *session.Manager

	mu   sync.RWMutex
	caps map[string]capmodel.Capabilities

	schemaMu sync.Mutex
	schemas  map[string]json.RawMessage // "<projectId>/<toolId>" -> inputSchema

	version   string
	startedAt time.Time
}

// New constructs a Router wired to the given persistence, subprocess
// supervisor, and OAuth2 manager, and starts the session idle-expiry sweep.
func New(st *store.Store, sup *supervisor.Supervisor, oa *oauth2.Manager, version string) *Router {
	r := &Router{
		store:     st,
		sup:       sup,
		oauth:     oa,
		caps:      make(map[string]capmodel.Capabilities),
		schemas:   make(map[string]json.RawMessage),
		version:   version,
		startedAt: time.Now(),
	}
	r.proxy = mcpproxy.New(st, sup, oa)
	r.sessions = session.NewManager(st, r.lookupCapabilities)
	r.sessions.Start()
	r.oauth.StartScheduler(r.resolveTokenEndpoint)
	return r
}

// Stop halts the session expiry sweep and the token refresh scheduler. Call
// during broker shutdown.
func (r *Router) Stop() {
	r.sessions.Stop()
	r.oauth.StopScheduler()
}

// CloseAllClients drops every cached MCP client connection. Call during
// broker shutdown, before the subprocess supervisor terminates the
// subprocesses those clients were talking to.
func (r *Router) CloseAllClients() {
	r.proxy.CloseAll()
}

func (r *Router) lookupCapabilities(projectID string) (capmodel.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[projectID]
	return c, ok
}

// SetCapabilities replaces the in-memory capabilities for a project, as
// performed wholesale by the configure control endpoint. It also drops any
// memoized tool schemas for the project, since tool defs may have changed.
func (r *Router) SetCapabilities(projectID string, caps capmodel.Capabilities) {
	r.mu.Lock()
	r.caps[projectID] = caps
	r.mu.Unlock()

	r.schemaMu.Lock()
	for k := range r.schemas {
		if len(k) > len(projectID) && k[:len(projectID)+1] == projectID+"/" {
			delete(r.schemas, k)
		}
	}
	r.schemaMu.Unlock()
}

// rpcRequest is the single JSON-RPC 2.0 request this endpoint accepts: one
// message per HTTP POST, no batching, no SSE.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeMethodNotFound = -32601
	codeInternal       = -32603
	codeParseError     = -32700
)

func errResponse(id interface{}, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func okResponse(id interface{}, result interface{}) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// HandleRPC decodes and dispatches one JSON-RPC request for projectID,
// recovering from any panic raised during dispatch so the handler itself
// never unwinds across the request boundary.
func (r *Router) HandleRPC(ctx context.Context, projectID string, sessionID string, body []byte) (resp rpcResponse, newSessionID string) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("router", fmt.Errorf("panic: %v", rec), "recovered from panic handling request for project %s", projectID)
			resp = errResponse(nil, codeInternal, "internal error")
		}
	}()

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errResponse(nil, codeParseError, "failed to parse request"), sessionID
	}

	switch req.Method {
	case "initialize":
		sess := r.sessions.CreateSession(projectID)
		return okResponse(req.ID, initializeResult(r.version)), sess.ID
	case "notifications/initialized":
		return okResponse(req.ID, map[string]interface{}{}), sessionID
	case "tools/list":
		result, rpcErr := r.toolsList(projectID, sessionID)
		if rpcErr != nil {
			return errResponse(req.ID, rpcErr.Code, rpcErr.Message), sessionID
		}
		return okResponse(req.ID, result), sessionID
	case "tools/call":
		result, rpcErr := r.toolsCall(ctx, projectID, sessionID, req.Params)
		if rpcErr != nil {
			return errResponse(req.ID, rpcErr.Code, rpcErr.Message), sessionID
		}
		return okResponse(req.ID, result), sessionID
	default:
		return errResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)), sessionID
	}
}

func initializeResult(version string) map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"serverInfo":      map[string]interface{}{"name": "capabroker", "version": version},
	}
}

// mcpTool is the wire shape returned from tools/list, matching the upstream
// MCP tool listing entry passthrough shape.
type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (r *Router) toolsList(projectID, sessionID string) (interface{}, *rpcError) {
	caps, ok := r.lookupCapabilities(projectID)
	if !ok {
		return nil, &rpcError{codeInternal, fmt.Sprintf("no capabilities configured for project %s", projectID)}
	}

	if caps.Options.Exposure() == capmodel.OnDemand {
		return map[string]interface{}{"tools": []mcpTool{
			{Name: metaToolSetupTools, Description: "Activate one or more skills, making their required tools reachable.", InputSchema: setupToolsSchema},
			{Name: metaToolCallTool, Description: "Invoke a tool that has been activated for this session.", InputSchema: callToolSchema},
		}}, nil
	}

	required, err := r.sessions.GetAllRequiredToolsForProject(projectID)
	if err != nil {
		return nil, &rpcError{codeInternal, err.Error()}
	}
	return map[string]interface{}{"tools": r.resolveTools(projectID, caps, required)}, nil
}

var setupToolsSchema = json.RawMessage(`{"type":"object","properties":{"skills":{"type":"array","items":{"type":"string"}}},"required":["skills"]}`)
var callToolSchema = json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"data":{"type":"object"}},"required":["name"]}`)

// resolveTools builds the wire listing for every tool id in ids, fetching
// live schemas for mcp-type tools (memoized per process) and synthesizing
// schemas for command-type tools from their {argName} placeholders.
func (r *Router) resolveTools(projectID string, caps capmodel.Capabilities, ids []string) []mcpTool {
	tools := make([]mcpTool, 0, len(ids))
	for _, id := range ids {
		tool, ok := caps.FindTool(id)
		if !ok {
			continue
		}
		tools = append(tools, mcpTool{
			Name:        tool.ID,
			InputSchema: r.schemaFor(projectID, caps, tool),
		})
	}
	return tools
}

func (r *Router) schemaFor(projectID string, caps capmodel.Capabilities, tool capmodel.Tool) json.RawMessage {
	cacheKey := projectID + "/" + tool.ID
	r.schemaMu.Lock()
	if cached, ok := r.schemas[cacheKey]; ok {
		r.schemaMu.Unlock()
		return cached
	}
	r.schemaMu.Unlock()

	var schema json.RawMessage
	switch tool.Type {
	case capmodel.ToolTypeCommand:
		schema = synthesizeCommandSchema(tool.Def.Run)
	case capmodel.ToolTypeMCP:
		schema = r.fetchMCPSchema(projectID, caps, tool)
	default:
		schema = stubSchema
	}

	r.schemaMu.Lock()
	r.schemas[cacheKey] = schema
	r.schemaMu.Unlock()
	return schema
}

func synthesizeCommandSchema(run capmodel.CommandRun) json.RawMessage {
	names := executor.ArgNames(run)
	if len(names) == 0 {
		return stubSchema
	}
	properties := make(map[string]interface{}, len(names))
	for _, n := range names {
		properties[n] = map[string]interface{}{"type": "string"}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   names,
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return stubSchema
	}
	return b
}

// fetchMCPSchema resolves a live inputSchema from the backing server's
// tools/list, matched by tool.def.tool. On upstream failure it logs and
// falls back to a stub schema, but the tool remains listed.
func (r *Router) fetchMCPSchema(projectID string, caps capmodel.Capabilities, tool capmodel.Tool) json.RawMessage {
	serverID := tool.ServerID()
	server, ok := caps.FindServer(serverID)
	if !ok {
		logging.Warn("router", "tool %s references unknown server %s", tool.ID, serverID)
		return stubSchema
	}

	projectPath := r.projectPath(projectID)
	upstreamTools, err := r.proxy.ListTools(context.Background(), projectID, serverID, projectPath, server.Def)
	if err != nil {
		logging.Warn("router", "failed to resolve schema for %s from server %s: %v", tool.ID, serverID, err)
		return stubSchema
	}
	for _, ut := range upstreamTools {
		if ut.Name == tool.Def.Tool {
			if len(ut.InputSchema) == 0 {
				return stubSchema
			}
			return ut.InputSchema
		}
	}
	logging.Warn("router", "tool %s not found on server %s", tool.Def.Tool, serverID)
	return stubSchema
}

func (r *Router) projectPath(projectID string) string {
	p, err := r.store.GetProject(projectID)
	if err != nil {
		return ""
	}
	return p.Path
}

// callToolParams is the tools/call request payload: the tool name and its
// arguments (named "arguments" on the wire, matching the upstream MCP
// convention the proxy's passthrough also uses).
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (r *Router) toolsCall(ctx context.Context, projectID, sessionID string, rawParams json.RawMessage) (interface{}, *rpcError) {
	var params callToolParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, &rpcError{codeInternal, "invalid tools/call params"}
	}

	caps, ok := r.lookupCapabilities(projectID)
	if !ok {
		return nil, &rpcError{codeInternal, fmt.Sprintf("no capabilities configured for project %s", projectID)}
	}

	if caps.Options.Exposure() == capmodel.OnDemand {
		return r.callOnDemand(ctx, projectID, sessionID, caps, params)
	}
	return r.callExposeAll(ctx, projectID, caps, params)
}

func (r *Router) callOnDemand(ctx context.Context, projectID, sessionID string, caps capmodel.Capabilities, params callToolParams) (interface{}, *rpcError) {
	switch params.Name {
	case metaToolSetupTools:
		return r.handleSetupTools(sessionID, params.Arguments)
	case metaToolCallTool:
		return r.handleCallTool(ctx, projectID, sessionID, caps, params.Arguments)
	default:
		return nil, &rpcError{codeInternal, "No active session. Call setup_tools first."}
	}
}

func (r *Router) callExposeAll(ctx context.Context, projectID string, caps capmodel.Capabilities, params callToolParams) (interface{}, *rpcError) {
	if params.Name == metaToolSetupTools || params.Name == metaToolCallTool {
		return nil, &rpcError{codeMethodNotFound, fmt.Sprintf("%s is only available in on-demand mode", params.Name)}
	}

	required, err := r.sessions.GetAllRequiredToolsForProject(projectID)
	if err != nil {
		return nil, &rpcError{codeInternal, err.Error()}
	}
	if !contains(required, params.Name) {
		return nil, &rpcError{codeInternal, fmt.Sprintf("tool %q is not activated", params.Name)}
	}

	tool, ok := caps.FindTool(params.Name)
	if !ok {
		return nil, &rpcError{codeInternal, fmt.Sprintf("tool %q not found", params.Name)}
	}
	return callResultContent(r.dispatchTool(ctx, projectID, tool, params.Arguments)), nil
}

func (r *Router) handleSetupTools(sessionID string, args map[string]interface{}) (interface{}, *rpcError) {
	skillsRaw, _ := args["skills"].([]interface{})
	skills := make([]string, 0, len(skillsRaw))
	for _, s := range skillsRaw {
		if str, ok := s.(string); ok {
			skills = append(skills, str)
		}
	}

	required, err := r.sessions.SetupTools(sessionID, skills)
	if err != nil {
		return callResultContent(map[string]interface{}{"success": false, "error": err.Error()}), nil
	}

	sess, ok := r.sessions.GetSession(sessionID)
	if !ok {
		return callResultContent(map[string]interface{}{"success": true, "tools": required}), nil
	}
	caps, ok := r.lookupCapabilities(sess.ProjectID)
	if !ok {
		return callResultContent(map[string]interface{}{"success": true, "tools": required}), nil
	}
	return callResultContent(map[string]interface{}{"success": true, "tools": r.resolveTools(sess.ProjectID, caps, required)}), nil
}

func (r *Router) handleCallTool(ctx context.Context, projectID, sessionID string, caps capmodel.Capabilities, args map[string]interface{}) (interface{}, *rpcError) {
	name, _ := args["name"].(string)
	data, _ := args["data"].(map[string]interface{})

	sess, ok := r.sessions.GetSession(sessionID)
	if !ok || !sess.HasTool(name) {
		return callResultContent(map[string]interface{}{"success": false, "error": fmt.Sprintf("Tool %q is not activated", name)}), nil
	}

	tool, ok := caps.FindTool(name)
	if !ok {
		return callResultContent(map[string]interface{}{"success": false, "error": fmt.Sprintf("Tool %q not found", name)}), nil
	}
	return callResultContent(r.dispatchTool(ctx, projectID, tool, data)), nil
}

// dispatchTool runs a command-type tool through the Executor, or forwards
// an mcp-type tool's call through the Proxy, and normalizes both onto the
// same {success, result|error} shape.
func (r *Router) dispatchTool(ctx context.Context, projectID string, tool capmodel.Tool, args map[string]interface{}) map[string]interface{} {
	switch tool.Type {
	case capmodel.ToolTypeCommand:
		result, err := executor.New(r.store, r.projectPath(projectID)).Run(ctx, projectID, tool, args)
		if err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}
		}
		if !result.Success {
			return map[string]interface{}{"success": false, "error": result.Output}
		}
		return map[string]interface{}{"success": true, "result": result.Output}

	case capmodel.ToolTypeMCP:
		caps, _ := r.lookupCapabilities(projectID)
		server, ok := caps.FindServer(tool.ServerID())
		if !ok {
			return map[string]interface{}{"success": false, "error": fmt.Sprintf("server %q not found", tool.ServerID())}
		}
		result, err := r.proxy.CallTool(ctx, projectID, tool.ServerID(), r.projectPath(projectID), server.Def, tool.Def.Tool, args)
		if err != nil {
			if mcpproxy.ErrUnresolvedVariables(err) {
				return map[string]interface{}{"success": false, "error": "Server configuration has unresolved variables."}
			}
			if mcpproxy.ErrAuthenticationRequired(err) {
				return map[string]interface{}{"success": false, "error": "Authentication required. Connect this server's OAuth2 flow first."}
			}
			return map[string]interface{}{"success": false, "error": err.Error()}
		}
		if result.IsError {
			return map[string]interface{}{"success": false, "error": contentText(result.Content)}
		}
		return map[string]interface{}{"success": true, "result": contentText(result.Content)}

	default:
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("unknown tool type %q", tool.Type)}
	}
}

func contentText(content []json.RawMessage) string {
	var parts []byte
	for i, c := range content {
		var item struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(c, &item); err != nil {
			continue
		}
		if i > 0 {
			parts = append(parts, '\n')
		}
		parts = append(parts, item.Text...)
	}
	return string(parts)
}

// callResultContent wraps a structured payload into an MCP CallToolResult:
// a single text content item whose text is the payload's JSON.
func callResultContent(payload map[string]interface{}) *mcp.CallToolResult {
	b, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError("failed to encode result")
	}
	success, _ := payload["success"].(bool)
	if !success {
		return mcp.NewToolResultError(string(b))
	}
	return mcp.NewToolResultText(string(b))
}

func contains(items []string, target string) bool {
	for _, i := range items {
		if i == target {
			return true
		}
	}
	return false
}
