package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/oauth2"
	"github.com/capa-dev/capabroker/internal/varsub"
	"github.com/capa-dev/capabroker/pkg/logging"
)

// Mux builds the broker's HTTP handler: the per-project MCP JSON-RPC
// endpoint plus the control API described by the external interfaces
// design. One mux, no sub-routers, matching the single-process,
// single-listener shape of the broker.
func (r *Router) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /api/projects", r.handleProjects)
	mux.HandleFunc("/api/projects/", r.handleProjectScoped)
	mux.HandleFunc("GET /api/token-refresh/status", r.handleTokenRefreshStatus)
	mux.HandleFunc("POST /api/token-refresh/check", r.handleTokenRefreshCheck)
	mux.HandleFunc("POST /{projectId}/mcp", r.handleMCPRoot)
	mux.HandleFunc("OPTIONS /{projectId}/mcp", handleMCPPreflight)
	return mux
}

// handleMCPRoot adapts the bare POST /{projectId}/mcp route (the public
// per-project MCP endpoint) onto handleMCP.
func (r *Router) handleMCPRoot(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w)
	r.handleMCP(w, req, req.PathValue("projectId"))
}

// handleMCPPreflight answers the CORS preflight OPTIONS request browser-based
// MCP clients send before their real POST.
func handleMCPPreflight(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("router", err, "failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": r.version,
		"uptime":  int(time.Since(r.startedAt).Seconds()),
	})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projects, err := r.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// handleProjectScoped dispatches every /api/projects/{id}/... route. A
// single handler keeps the id-extraction and not-found handling in one
// place rather than duplicating a path-param parser per route.
func (r *Router) handleProjectScoped(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/projects/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	projectID, err := url.PathUnescape(parts[0])
	if err != nil || projectID == "" {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && req.Method == http.MethodGet:
		r.handleProjectDetail(w, req, projectID)
	case sub == "configure" && req.Method == http.MethodPost:
		r.handleConfigure(w, req, projectID)
	case sub == "variables" && req.Method == http.MethodGet:
		r.handleGetVariables(w, req, projectID)
	case sub == "variables" && req.Method == http.MethodPost:
		r.handleSetVariables(w, req, projectID)
	case sub == "oauth-servers" && req.Method == http.MethodGet:
		r.handleOAuthServers(w, req, projectID)
	case sub == "oauth/start" && req.Method == http.MethodPost:
		r.handleOAuthStart(w, req, projectID)
	case sub == "oauth/callback" && req.Method == http.MethodGet:
		r.handleOAuthCallback(w, req, projectID)
	case strings.HasPrefix(sub, "oauth/") && req.Method == http.MethodDelete:
		r.handleOAuthDisconnect(w, req, projectID, strings.TrimPrefix(sub, "oauth/"))
	case strings.HasPrefix(sub, "mcpservers/") && strings.HasSuffix(sub, "/reset") && req.Method == http.MethodPost:
		serverID := strings.TrimSuffix(strings.TrimPrefix(sub, "mcpservers/"), "/reset")
		r.handleResetServer(w, req, projectID, serverID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleMCP(w http.ResponseWriter, req *http.Request, projectID string) {
	var buf strings.Builder
	if _, err := buf.ReadFrom(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sessionID := req.Header.Get("Mcp-Session-Id")
	resp, newSessionID := r.HandleRPC(req.Context(), projectID, sessionID, []byte(buf.String()))
	if newSessionID != "" {
		w.Header().Set("Mcp-Session-Id", newSessionID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleProjectDetail(w http.ResponseWriter, req *http.Request, projectID string) {
	p, err := r.store.GetProject(projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	caps, _ := r.lookupCapabilities(projectID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"project": p, "capabilities": caps})
}

// configureRequest is the payload for POST /api/projects/{id}/configure:
// a wholesale replacement of the project's capabilities manifest.
type configureRequest struct {
	Capabilities capmodel.Capabilities `json:"capabilities"`
}

type toolValidation struct {
	ToolID string `json:"toolId"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

func (r *Router) handleConfigure(w http.ResponseWriter, req *http.Request, projectID string) {
	var body configureRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := body.Capabilities.Validate(); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	if _, err := r.store.UpsertProject(projectID, req.URL.Query().Get("path")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	vars, err := r.store.GetVariables(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	missing := missingVariables(body.Capabilities, vars)

	oauthServers, err := r.detectOAuthRequirements(req.Context(), projectID, body.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	r.SetCapabilities(projectID, body.Capabilities)

	validation := make([]toolValidation, 0, len(body.Capabilities.Tools))
	for _, t := range body.Capabilities.Tools {
		validation = append(validation, toolValidation{ToolID: t.ID, Valid: true})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"needsCredentials":  len(missing) > 0 || len(oauthServers) > 0,
		"missingVariables":  missing,
		"oauth2Servers":     oauthServers,
		"toolValidation":    validation,
	})
}

// missingVariables returns every ${Name} variable referenced anywhere in
// caps' server definitions that isn't already set for the project.
func missingVariables(caps capmodel.Capabilities, vars map[string]string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, s := range caps.Servers {
		for _, name := range referencedVariableNames(s.Def) {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, ok := vars[name]; !ok {
				missing = append(missing, name)
			}
		}
	}
	return missing
}

// referencedVariableNames returns every ${Name} placeholder anywhere in
// def's JSON encoding, mirroring the generic-map walk the proxy uses before
// connecting, but only to collect names rather than resolve them.
func referencedVariableNames(def capmodel.ServerDef) []string {
	b, err := json.Marshal(def)
	if err != nil {
		return nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil
	}
	return varsub.ExtractNames(generic)
}

// detectOAuthRequirements runs OAuth2 requirement detection for every
// remote server not already carrying an oauth2 block, returning the ids of
// servers that need a connection.
func (r *Router) detectOAuthRequirements(ctx context.Context, projectID string, caps capmodel.Capabilities) ([]string, error) {
	var needConnection []string
	for i, s := range caps.Servers {
		if !s.Def.IsRemote() {
			continue
		}
		if s.Def.OAuth2 != nil {
			if !r.oauth.IsConnected(projectID, s.ID) {
				needConnection = append(needConnection, s.ID)
			}
			continue
		}
		req, err := r.oauth.DetectRequirement(ctx, s.Def.URL)
		if err != nil {
			logging.Warn("router", "oauth2 detection failed for %s: %v", s.ID, err)
			continue
		}
		if req == nil {
			continue
		}
		caps.Servers[i].Def.OAuth2 = &capmodel.OAuth2Def{
			AuthorizationEndpoint: req.AuthorizationEndpoint,
			TokenEndpoint:         req.TokenEndpoint,
			RegistrationEndpoint:  req.RegistrationEndpoint,
			ResourceServer:        req.ResourceServer,
			Scope:                 req.Scope,
		}
		needConnection = append(needConnection, s.ID)
	}
	return needConnection, nil
}

func (r *Router) handleGetVariables(w http.ResponseWriter, req *http.Request, projectID string) {
	vars, err := r.store.GetVariables(projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"variables": vars})
}

func (r *Router) handleSetVariables(w http.ResponseWriter, req *http.Request, projectID string) {
	var vars map[string]string
	if err := json.NewDecoder(req.Body).Decode(&vars); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := r.store.SetVariables(projectID, vars); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (r *Router) handleOAuthServers(w http.ResponseWriter, req *http.Request, projectID string) {
	caps, _ := r.lookupCapabilities(projectID)
	type entry struct {
		ServerID  string `json:"serverId"`
		Connected bool   `json:"connected"`
	}
	var out []entry
	for _, s := range caps.Servers {
		if s.Def.OAuth2 == nil {
			continue
		}
		out = append(out, entry{ServerID: s.ID, Connected: r.oauth.IsConnected(projectID, s.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": out})
}

func (r *Router) handleOAuthStart(w http.ResponseWriter, req *http.Request, projectID string) {
	serverID := req.URL.Query().Get("server")
	if serverID == "" {
		writeError(w, http.StatusBadRequest, "missing server query parameter")
		return
	}
	caps, ok := r.lookupCapabilities(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "project not configured")
		return
	}
	server, ok := caps.FindServer(serverID)
	if !ok || server.Def.OAuth2 == nil {
		writeError(w, http.StatusBadRequest, "server does not require oauth2")
		return
	}

	reqmt := oauth2.Requirement{
		AuthorizationEndpoint: server.Def.OAuth2.AuthorizationEndpoint,
		TokenEndpoint:         server.Def.OAuth2.TokenEndpoint,
		RegistrationEndpoint:  server.Def.OAuth2.RegistrationEndpoint,
		ResourceServer:        server.Def.OAuth2.ResourceServer,
		Scope:                 server.Def.OAuth2.Scope,
	}
	authURL, state, err := r.oauth.StartFlow(req.Context(), projectID, serverID, reqmt, server.Def.OAuth2.ClientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"authorizationUrl": authURL, "state": state})
}

func (r *Router) handleOAuthCallback(w http.ResponseWriter, req *http.Request, projectID string) {
	code := req.URL.Query().Get("code")
	state := req.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	_, serverID, err := r.oauth.HandleCallback(req.Context(), code, state)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.proxy.Forget(projectID, serverID)
	http.Redirect(w, req, "/", http.StatusFound)
}

func (r *Router) handleOAuthDisconnect(w http.ResponseWriter, req *http.Request, projectID, serverID string) {
	if err := r.oauth.Disconnect(projectID, serverID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.proxy.Forget(projectID, serverID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleResetServer clears a crashed subprocess's restart bookkeeping so the
// next call to it is spawned fresh instead of failing fast on the restart
// cap, implementing the manual-reset control operation.
func (r *Router) handleResetServer(w http.ResponseWriter, req *http.Request, projectID, serverID string) {
	r.sup.Reset(projectID, serverID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (r *Router) handleTokenRefreshStatus(w http.ResponseWriter, req *http.Request) {
	s := r.oauth.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lastRun":   s.LastRun,
		"checked":   s.Checked,
		"refreshed": s.Refreshed,
		"failed":    s.Failed,
	})
}

func (r *Router) handleTokenRefreshCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s := r.oauth.RunNow(r.resolveTokenEndpoint)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lastRun":   s.LastRun,
		"checked":   s.Checked,
		"refreshed": s.Refreshed,
		"failed":    s.Failed,
	})
}

// resolveTokenEndpoint looks up the token endpoint and client id for a
// (project, server) pair from the in-memory capabilities cache, for the
// Token Refresh Scheduler.
func (r *Router) resolveTokenEndpoint(projectID, serverID string) (tokenEndpoint, clientID string, ok bool) {
	caps, found := r.lookupCapabilities(projectID)
	if !found {
		return "", "", false
	}
	server, found := caps.FindServer(serverID)
	if !found || server.Def.OAuth2 == nil {
		return "", "", false
	}
	return server.Def.OAuth2.TokenEndpoint, server.Def.OAuth2.ClientID, true
}
