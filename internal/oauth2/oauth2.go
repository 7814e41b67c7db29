// Package oauth2 drives the client-side OAuth2 Authorization Code + PKCE
// flow for remote MCP servers that require it: requirement detection via a
// probe request and RFC 8414/9728 discovery, authorization URL
// construction, RFC 7591 dynamic client registration, callback handling,
// and a background token refresh scheduler.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/pkg/logging"
	pkgoauth "github.com/capa-dev/capabroker/pkg/oauth"
)

// fallbackClientID is used when a server has no configured client_id and
// dynamic client registration is unavailable or fails.
const fallbackClientID = "capa"

// refreshMargin is how close to expiry getAccessToken will proactively
// refresh a token.
const refreshMargin = 5 * time.Minute

// schedulerInterval and refreshThreshold drive the background Token
// Refresh Scheduler.
const (
	schedulerInterval = 60 * time.Second
	refreshThreshold  = 10 * time.Minute
)

// Requirement is what detectOAuth2Requirement returns when a remote server
// needs OAuth2: enough information to populate a ServerDef's oauth2 block.
type Requirement struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	ResourceServer        string
	Scope                 string
}

// Manager coordinates OAuth2 discovery, authorization, and refresh for
// every project's remote MCP servers.
type Manager struct {
	mu sync.Mutex

	store      *store.Store
	httpClient *http.Client
	oauth      *pkgoauth.Client // handles metadata discovery and token exchange/refresh
	baseURL    string           // this broker's own base URL, for building redirect_uri

	stop     chan struct{}
	stopOnce sync.Once

	statusMu  sync.Mutex
	lastRun   time.Time
	checked   int
	refreshed int
	failed    int
}

// SchedulerStatus reports the outcome of the Token Refresh Scheduler's most
// recent tick, for the control API's /api/token-refresh/status endpoint.
type SchedulerStatus struct {
	LastRun   time.Time
	Checked   int
	Refreshed int
	Failed    int
}

// Status returns the outcome of the most recent scheduler tick.
func (m *Manager) Status() SchedulerStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return SchedulerStatus{LastRun: m.lastRun, Checked: m.checked, Refreshed: m.refreshed, Failed: m.failed}
}

// New constructs a Manager. baseURL is this broker's externally-reachable
// address (e.g. http://127.0.0.1:5912), used to build the OAuth callback
// redirect_uri.
func New(st *store.Store, baseURL string) *Manager {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Manager{
		store:      st,
		httpClient: httpClient,
		oauth:      pkgoauth.NewClient(pkgoauth.WithHTTPClient(httpClient)),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		stop:       make(chan struct{}),
	}
}

// DetectRequirement implements detectOAuth2Requirement: an unauthenticated
// initialize probe against serverURL, then RFC 8414/9728 discovery driven
// by the resulting 401's WWW-Authenticate header. Returns nil, nil if the
// server does not require OAuth2.
func (m *Manager) DetectRequirement(ctx context.Context, serverURL string) (*Requirement, error) {
	status, header, err := m.probeInitialize(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", serverURL, err)
	}
	if status != http.StatusUnauthorized {
		return nil, nil
	}

	baseURL := pkgoauth.NormalizeServerURL(serverURL)

	var metadata *pkgoauth.Metadata
	var resourceServer = serverURL

	if header != "" {
		challenge, parseErr := pkgoauth.ParseWWWAuthenticate(header)
		if parseErr == nil && challenge.ResourceMetadataURL != "" {
			prm, err := m.fetchProtectedResourceMetadata(ctx, challenge.ResourceMetadataURL)
			if err == nil && len(prm.AuthorizationServers) > 0 {
				metadata, err = m.oauth.DiscoverMetadata(ctx, prm.AuthorizationServers[0])
				if err != nil {
					logging.Debug("OAuth2", "authorization server metadata fetch failed for %s: %v", prm.AuthorizationServers[0], err)
				}
			}
		}
	}

	if metadata == nil {
		var err error
		metadata, err = m.oauth.DiscoverMetadata(ctx, baseURL)
		if err != nil {
			return nil, fmt.Errorf("discover oauth2 metadata for %s: %w", serverURL, err)
		}
	}

	if !supportsAuthorizationCode(metadata) {
		return nil, nil
	}

	return &Requirement{
		AuthorizationEndpoint: metadata.AuthorizationEndpoint,
		TokenEndpoint:         metadata.TokenEndpoint,
		RegistrationEndpoint:  metadata.RegistrationEndpoint,
		ResourceServer:        resourceServer,
		Scope:                 strings.Join(metadata.ScopesSupported, " "),
	}, nil
}

func supportsAuthorizationCode(m *pkgoauth.Metadata) bool {
	if len(m.GrantTypesSupported) == 0 && len(m.ResponseTypesSupported) == 0 {
		return true
	}
	hasGrant := len(m.GrantTypesSupported) == 0 || contains(m.GrantTypesSupported, "authorization_code")
	hasResponse := len(m.ResponseTypesSupported) == 0 || contains(m.ResponseTypesSupported, "code")
	return hasGrant && hasResponse
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func (m *Manager) probeInitialize(ctx context.Context, serverURL string) (status int, wwwAuthenticate string, err error) {
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{},
			"clientInfo":      map[string]interface{}{"name": "capabroker", "version": "0"},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(string(payload)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header.Get("WWW-Authenticate"), nil
}

func (m *Manager) fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) (*pkgoauth.ProtectedResourceMetadata, error) {
	var prm pkgoauth.ProtectedResourceMetadata
	if err := m.fetchJSON(ctx, metadataURL, &prm); err != nil {
		return nil, err
	}
	return &prm, nil
}

func (m *Manager) fetchJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// StartFlow begins an authorization for (projectID, serverID): it resolves
// a client_id (configured, dynamically registered, or the fallback),
// persists flow state, and returns the authorization URL to send the user
// to.
func (m *Manager) StartFlow(ctx context.Context, projectID, serverID string, req Requirement, configuredClientID string) (authURL, state string, err error) {
	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return "", "", fmt.Errorf("generate pkce: %w", err)
	}
	state, err = pkgoauth.GenerateState()
	if err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}

	clientID := configuredClientID
	if clientID == "" {
		clientID = m.registerClient(ctx, req, projectID, serverID)
	}

	redirectURI := fmt.Sprintf("%s/api/projects/%s/oauth/callback", m.baseURL, url.PathEscape(projectID))

	if err := m.store.PutFlowState(store.FlowState{
		State: state, ProjectID: projectID, ServerID: serverID,
		CodeVerifier: pkce.CodeVerifier, RedirectURI: redirectURI, ClientID: clientID,
		TokenEndpoint: req.TokenEndpoint,
		CreatedAt:     time.Now(),
	}); err != nil {
		return "", "", fmt.Errorf("persist flow state: %w", err)
	}

	authURL, err := m.oauth.BuildAuthorizationURL(req.AuthorizationEndpoint, clientID, redirectURI, state, req.Scope, pkce)
	if err != nil {
		return "", "", fmt.Errorf("build authorization url: %w", err)
	}

	return authURL, state, nil
}

// registerClient attempts RFC 7591 dynamic client registration, persisting
// any returned client_secret as a project variable, and falls back to
// fallbackClientID on any failure.
func (m *Manager) registerClient(ctx context.Context, req Requirement, projectID, serverID string) string {
	if req.RegistrationEndpoint == "" {
		return fallbackClientID
	}

	regReq := pkgoauth.ClientRegistrationRequest{
		ClientName:              "capabroker",
		RedirectURIs:            []string{m.baseURL + "/api/projects/_/oauth/callback"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}
	payload, err := json.Marshal(regReq)
	if err != nil {
		return fallbackClientID
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.RegistrationEndpoint, strings.NewReader(string(payload)))
	if err != nil {
		return fallbackClientID
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		logging.Debug("OAuth2", "dynamic client registration failed for %s: %v", serverID, err)
		return fallbackClientID
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		logging.Debug("OAuth2", "dynamic client registration rejected for %s: status %d", serverID, resp.StatusCode)
		return fallbackClientID
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fallbackClientID
	}
	var regResp pkgoauth.ClientRegistrationResponse
	if err := json.Unmarshal(body, &regResp); err != nil || regResp.ClientID == "" {
		return fallbackClientID
	}

	if regResp.ClientSecret != "" {
		if err := m.store.SetVariable(projectID, fmt.Sprintf("oauth2_client_secret_%s", serverID), regResp.ClientSecret); err != nil {
			logging.Warn("OAuth2", "failed to persist client secret for %s: %v", serverID, err)
		}
	}

	return regResp.ClientID
}

// HandleCallback implements the OAuth2 callback: looks up flow state by
// state (which carries the token endpoint captured at StartFlow time, since
// the server id isn't known until the state is consumed), exchanges the
// code for a token, persists it, and deletes the flow state (single use).
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (projectID, serverID string, err error) {
	flow, err := m.store.ConsumeFlowState(state)
	if err != nil {
		return "", "", fmt.Errorf("invalid or expired state")
	}

	clientSecret, _, _ := m.store.GetVariable(flow.ProjectID, fmt.Sprintf("oauth2_client_secret_%s", flow.ServerID))

	token, err := m.oauth.ExchangeCode(ctx, flow.TokenEndpoint, code, flow.RedirectURI, flow.ClientID, flow.CodeVerifier, clientSecret)
	if err != nil {
		return flow.ProjectID, flow.ServerID, fmt.Errorf("token exchange failed: %w", err)
	}

	if err := m.store.PutToken(store.Token{
		ProjectID: flow.ProjectID, ServerID: flow.ServerID,
		AccessToken: token.AccessToken, RefreshToken: token.RefreshToken,
		TokenType: token.TokenType, ExpiresAt: expiresAtPtr(token), Scope: token.Scope,
	}); err != nil {
		return flow.ProjectID, flow.ServerID, fmt.Errorf("persist token: %w", err)
	}

	return flow.ProjectID, flow.ServerID, nil
}

func expiresAtPtr(t *pkgoauth.Token) *time.Time {
	if t.ExpiresAt.IsZero() {
		return nil
	}
	exp := t.ExpiresAt
	return &exp
}

// RefreshAccessToken implements refreshAccessToken: exchanges a stored
// refresh_token for a new access token, deleting the stored token on any
// failure so isServerConnected correctly reports disconnected afterward.
func (m *Manager) RefreshAccessToken(ctx context.Context, projectID, serverID, tokenEndpoint, clientID string) (bool, error) {
	tok, err := m.store.GetToken(projectID, serverID)
	if err != nil || tok.RefreshToken == "" {
		m.store.DeleteToken(projectID, serverID)
		return false, nil
	}

	clientSecret, _, _ := m.store.GetVariable(projectID, fmt.Sprintf("oauth2_client_secret_%s", serverID))

	newToken, err := m.oauth.RefreshToken(ctx, tokenEndpoint, tok.RefreshToken, clientID, clientSecret)
	if err != nil {
		logging.Warn("OAuth2", "refresh failed for %s/%s: %v", projectID, serverID, err)
		m.store.DeleteToken(projectID, serverID)
		return false, nil
	}

	refreshToken := newToken.RefreshToken
	if refreshToken == "" {
		refreshToken = tok.RefreshToken
	}

	if err := m.store.PutToken(store.Token{
		ProjectID: projectID, ServerID: serverID,
		AccessToken: newToken.AccessToken, RefreshToken: refreshToken,
		TokenType: newToken.TokenType, ExpiresAt: expiresAtPtr(newToken), Scope: newToken.Scope,
	}); err != nil {
		return false, fmt.Errorf("persist refreshed token: %w", err)
	}

	return true, nil
}

// GetAccessToken implements getAccessToken: returns the current access
// token, proactively refreshing if it is within refreshMargin of expiry.
// Returns "" if no token remains (including after a failed refresh).
func (m *Manager) GetAccessToken(ctx context.Context, projectID, serverID, tokenEndpoint, clientID string) (string, error) {
	tok, err := m.store.GetToken(projectID, serverID)
	if err != nil {
		return "", nil
	}

	if tok.ExpiresAt != nil && time.Until(*tok.ExpiresAt) < refreshMargin {
		ok, err := m.RefreshAccessToken(ctx, projectID, serverID, tokenEndpoint, clientID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		tok, err = m.store.GetToken(projectID, serverID)
		if err != nil {
			return "", nil
		}
	}

	return tok.AccessToken, nil
}

// IsConnected reports whether a usable token is stored for (projectID,
// serverID).
func (m *Manager) IsConnected(projectID, serverID string) bool {
	_, err := m.store.GetToken(projectID, serverID)
	return err == nil
}

// Disconnect revokes (deletes) the stored token for (projectID, serverID).
func (m *Manager) Disconnect(projectID, serverID string) error {
	return m.store.DeleteToken(projectID, serverID)
}

// TokenEndpointResolver looks up the token endpoint and client id to use
// when refreshing a given (project, server) pair; supplied by the router,
// which holds the live capabilities manifest.
type TokenEndpointResolver func(projectID, serverID string) (tokenEndpoint, clientID string, ok bool)

// StartScheduler launches the Token Refresh Scheduler: every 60s, scans
// stored tokens expiring within refreshThreshold and refreshes them.
func (m *Manager) StartScheduler(resolve TokenEndpointResolver) {
	go m.schedulerLoop(resolve)
}

// StopScheduler halts the Token Refresh Scheduler. Safe to call more than
// once.
func (m *Manager) StopScheduler() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) schedulerLoop(resolve TokenEndpointResolver) {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runSchedulerTick(resolve)
		case <-m.stop:
			return
		}
	}
}

// RunNow executes one scheduler tick immediately and synchronously, for the
// control API's /api/token-refresh/check endpoint.
func (m *Manager) RunNow(resolve TokenEndpointResolver) SchedulerStatus {
	m.runSchedulerTick(resolve)
	return m.Status()
}

func (m *Manager) runSchedulerTick(resolve TokenEndpointResolver) {
	candidates, err := m.store.ListTokensExpiringBefore(time.Now().Add(refreshThreshold))
	if err != nil {
		logging.Warn("OAuth2", "scheduler failed to list expiring tokens: %v", err)
		return
	}

	checked, refreshed, failed := 0, 0, 0
	for _, tok := range candidates {
		tokenEndpoint, clientID, ok := resolve(tok.ProjectID, tok.ServerID)
		if !ok {
			continue
		}
		checked++
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ok2, err := m.RefreshAccessToken(ctx, tok.ProjectID, tok.ServerID, tokenEndpoint, clientID)
		cancel()
		if err != nil || !ok2 {
			failed++
			continue
		}
		refreshed++
	}

	m.statusMu.Lock()
	m.lastRun, m.checked, m.refreshed, m.failed = time.Now(), checked, refreshed, failed
	m.statusMu.Unlock()

	if checked > 0 || refreshed > 0 || failed > 0 {
		logging.Info("OAuth2", "refresh scheduler: checked=%d refreshed=%d failed=%d", checked, refreshed, failed)
	}
}
