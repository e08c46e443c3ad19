// Package oauth implements the OAuth 2.1 authorization server for tenant
// endpoints: dynamic client registration (RFC 7591), the PKCE
// authorization-code flow, refresh rotation, revocation, and the discovery
// documents.
package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/screenlink/broker/internal/scope"
	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/token"
)

// Handler serves the OAuth endpoints.
type Handler struct {
	store      store.Store
	logger     *zap.Logger
	issuer     string // public base URL, no trailing slash
	sessionKey []byte
}

// NewHandler builds the OAuth handler. issuer is the public base URL used
// in discovery documents and audience computation.
func NewHandler(st store.Store, logger *zap.Logger, issuer string, sessionKey []byte) *Handler {
	return &Handler{
		store:      st,
		logger:     logger,
		issuer:     strings.TrimRight(issuer, "/"),
		sessionKey: sessionKey,
	}
}

// Register mounts the OAuth routes.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	r.GET("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadata)
	api := r.Group("/api/oauth")
	{
		api.POST("/register", h.RegisterClient)
		api.GET("/authorize", h.Authorize)
		api.POST("/token", h.Token)
		api.POST("/revoke", h.Revoke)
	}
}

func oauthError(c *gin.Context, status int, code, description string) {
	c.JSON(status, gin.H{"error": code, "error_description": description})
}

// ─── Discovery ───────────────────────────────────────────────────────────────

func (h *Handler) AuthorizationServerMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/api/oauth/authorize",
		"token_endpoint":                        h.issuer + "/api/oauth/token",
		"registration_endpoint":                 h.issuer + "/api/oauth/register",
		"revocation_endpoint":                   h.issuer + "/api/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      scope.All,
	})
}

func (h *Handler) ProtectedResourceMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resource":              h.issuer,
		"authorization_servers": []string{h.issuer},
	})
}

// ─── Dynamic client registration ─────────────────────────────────────────────

type registerRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
	ClientName              string   `json:"client_name"`
}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

// RegisterClient implements RFC 7591 dynamic registration.
func (h *Handler) RegisterClient(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata", "malformed registration request")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(c, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		if !validRedirectURI(raw) {
			oauthError(c, http.StatusBadRequest, "invalid_redirect_uri",
				fmt.Sprintf("redirect URI %q must be https or loopback http", raw))
			return
		}
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code"}
	}
	for _, g := range grants {
		if !allowedGrantTypes[g] {
			oauthError(c, http.StatusBadRequest, "invalid_client_metadata",
				fmt.Sprintf("unsupported grant type %q", g))
			return
		}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			oauthError(c, http.StatusBadRequest, "invalid_client_metadata",
				fmt.Sprintf("unsupported response type %q", rt))
			return
		}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" && authMethod != "client_secret_post" {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata",
			fmt.Sprintf("unsupported auth method %q", authMethod))
		return
	}

	scopes, err := scope.Parse(req.Scope)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	if len(scopes) == 0 {
		scopes = scope.All
	}

	client := &store.OAuthClient{
		ClientID:                uuid.NewString(),
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grants,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
	}

	var clientSecret string
	if authMethod == "client_secret_post" {
		secret, err := token.NewSessionToken()
		if err != nil {
			oauthError(c, http.StatusInternalServerError, "server_error", "could not generate client secret")
			return
		}
		clientSecret = secret
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			oauthError(c, http.StatusInternalServerError, "server_error", "could not hash client secret")
			return
		}
		client.ClientSecretHash = string(hash)
	}

	registrationToken, err := token.NewSessionToken()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "could not generate registration token")
		return
	}
	client.RegistrationAccessTokenHash = token.HashToken(registrationToken)

	if err := h.store.CreateOAuthClient(c.Request.Context(), client); err != nil {
		h.logger.Error("create oauth client", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error", "could not persist client")
		return
	}

	resp := gin.H{
		"client_id":                  client.ClientID,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scope":                      strings.Join(client.Scopes, " "),
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"registration_access_token":  registrationToken,
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
	}
	c.JSON(http.StatusCreated, resp)
}

// validRedirectURI admits https URLs and plain-http loopback URLs only.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1"
	}
	return false
}

// ─── Authorization ───────────────────────────────────────────────────────────

// Authorize validates the authorization request, binds it to the tenant
// endpoint named by resource, and redirects back with a single-use code.
// Errors before the redirect URI is validated are returned directly, never
// redirected.
func (h *Handler) Authorize(c *gin.Context) {
	ctx := c.Request.Context()

	cookie, err := c.Cookie(SessionCookie)
	if err != nil {
		oauthError(c, http.StatusUnauthorized, "access_denied", "sign in to authorize this client")
		return
	}
	userID, err := h.parseSession(cookie)
	if err != nil {
		oauthError(c, http.StatusUnauthorized, "access_denied", "session expired, sign in again")
		return
	}

	if rt := c.Query("response_type"); rt != "code" {
		oauthError(c, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	clientID := c.Query("client_id")
	redirectURI := c.Query("redirect_uri")
	challenge := c.Query("code_challenge")
	method := c.Query("code_challenge_method")
	state := c.Query("state")
	resource := c.Query("resource")

	client, err := h.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_request", "unknown client")
		return
	}
	if !containsExact(client.RedirectURIs, redirectURI) {
		oauthError(c, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered")
		return
	}
	if challenge == "" || method != "S256" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "PKCE with S256 is required")
		return
	}

	scopes, err := scope.Parse(c.Query("scope"))
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}
	if len(scopes) == 0 {
		scopes = client.Scopes
	}

	conn, err := h.connectionForResource(c, resource)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if conn.UserID != userID {
		oauthError(c, http.StatusForbidden, "access_denied", "endpoint belongs to a different account")
		return
	}
	if conn.Status != store.ConnectionActive {
		oauthError(c, http.StatusBadRequest, "invalid_request", "endpoint is revoked")
		return
	}

	code, err := token.NewAuthorizationCode()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "could not issue code")
		return
	}
	row := &store.OAuthAuthorizationCode{
		CodeHash:            token.HashToken(code),
		ClientID:            client.ClientID,
		UserID:              userID,
		ConnectionID:        conn.ID,
		RedirectURI:         redirectURI,
		Scope:               scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Audience:            token.NormalizeAudience(resource),
		ExpiresAt:           time.Now().Add(token.AuthCodeTTL),
	}
	if err := h.store.CreateAuthorizationCode(ctx, row); err != nil {
		h.logger.Error("create authorization code", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error", "could not issue code")
		return
	}

	target, _ := url.Parse(redirectURI)
	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// connectionForResource resolves the resource parameter (the tenant
// endpoint URL) to its McpConnection row.
func (h *Handler) connectionForResource(c *gin.Context, resource string) (*store.McpConnection, error) {
	if resource == "" {
		return nil, errors.New("resource parameter is required")
	}
	normalized := token.NormalizeAudience(resource)
	idx := strings.LastIndex(normalized, "/mcp/")
	if idx < 0 {
		return nil, errors.New("resource is not a tenant endpoint URL")
	}
	endpointUUID := normalized[idx+len("/mcp/"):]
	conn, err := h.store.GetConnectionByEndpoint(c.Request.Context(), endpointUUID)
	if err != nil {
		return nil, errors.New("unknown tenant endpoint")
	}
	return conn, nil
}

func containsExact(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ─── Token ───────────────────────────────────────────────────────────────────

// Token handles authorization_code and refresh_token grants.
func (h *Handler) Token(c *gin.Context) {
	switch c.PostForm("grant_type") {
	case "authorization_code":
		h.tokenFromCode(c)
	case "refresh_token":
		h.tokenFromRefresh(c)
	default:
		oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "use authorization_code or refresh_token")
	}
}

func (h *Handler) tokenFromCode(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := c.PostForm("client_id")
	code := c.PostForm("code")
	redirectURI := c.PostForm("redirect_uri")
	verifier := c.PostForm("code_verifier")

	client, err := h.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		oauthError(c, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !h.authenticateClient(c, client) {
		return
	}

	row, err := h.store.GetAuthorizationCodeByHash(ctx, token.HashToken(code))
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code is invalid")
		return
	}
	switch {
	case row.ConsumedAt != nil:
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	case time.Now().After(row.ExpiresAt):
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code expired")
		return
	case row.ClientID != clientID:
		oauthError(c, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	case row.RedirectURI != redirectURI:
		oauthError(c, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := token.ValidateVerifier(verifier); err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "malformed code_verifier")
		return
	}
	if !token.VerifyS256(row.CodeChallenge, verifier, row.CodeChallengeMethod) {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	accessToken, refreshToken, err := newTokenPair()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "could not issue token")
		return
	}
	now := time.Now()
	refreshExpiry := now.Add(token.RefreshTokenTTL)
	tok := &store.OAuthAccessToken{
		AccessTokenHash:  token.HashToken(accessToken),
		UserID:           row.UserID,
		ConnectionID:     row.ConnectionID,
		ClientID:         clientID,
		Scope:            row.Scope,
		Audience:         row.Audience,
		AccessExpiresAt:  now.Add(token.AccessTokenTTL),
		RefreshTokenHash: token.HashToken(refreshToken),
		RefreshExpiresAt: &refreshExpiry,
	}
	if err := h.store.ConsumeCodeAndCreateToken(ctx, row.CodeHash, tok); err != nil {
		if errors.Is(err, store.ErrCodeConsumed) || errors.Is(err, store.ErrNotFound) {
			oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code already used")
			return
		}
		h.logger.Error("consume code", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error", "could not issue token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(token.AccessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"scope":         strings.Join(row.Scope, " "),
	})
}

func (h *Handler) tokenFromRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	refresh := c.PostForm("refresh_token")
	if refresh == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	old, err := h.store.GetAccessTokenByRefreshHash(ctx, token.HashToken(refresh))
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
		return
	}
	if old.RevokedAt != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		return
	}
	if old.RefreshExpiresAt != nil && time.Now().After(*old.RefreshExpiresAt) {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}

	client, err := h.store.GetOAuthClient(ctx, old.ClientID)
	if err == nil && !h.authenticateClient(c, client) {
		return
	}

	accessToken, refreshToken, err := newTokenPair()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "could not rotate token")
		return
	}
	now := time.Now()
	refreshExpiry := now.Add(token.RefreshTokenTTL)
	replacement := &store.OAuthAccessToken{
		AccessTokenHash:  token.HashToken(accessToken),
		UserID:           old.UserID,
		ConnectionID:     old.ConnectionID,
		ClientID:         old.ClientID,
		Scope:            old.Scope,
		Audience:         old.Audience,
		AccessExpiresAt:  now.Add(token.AccessTokenTTL),
		RefreshTokenHash: token.HashToken(refreshToken),
		RefreshExpiresAt: &refreshExpiry,
	}
	if err := h.store.RotateRefreshToken(ctx, old.ID, replacement); err != nil {
		h.logger.Error("rotate refresh token", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error", "could not rotate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(token.AccessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"scope":         strings.Join(old.Scope, " "),
	})
}

func newTokenPair() (access, refresh string, err error) {
	access, err = token.NewAccessToken()
	if err != nil {
		return "", "", err
	}
	refresh, err = token.NewRefreshToken()
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// authenticateClient enforces client_secret_post for confidential clients.
func (h *Handler) authenticateClient(c *gin.Context, client *store.OAuthClient) bool {
	if client.TokenEndpointAuthMethod != "client_secret_post" {
		return true
	}
	secret := c.PostForm("client_secret")
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		oauthError(c, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return false
	}
	return true
}

// ─── Revocation ──────────────────────────────────────────────────────────────

// Revoke marks the presented token revoked. Per RFC 7009 the response is
// 200 whether or not the token was found; revoking twice is a no-op.
func (h *Handler) Revoke(c *gin.Context) {
	ctx := c.Request.Context()
	raw := c.PostForm("token")
	if raw == "" {
		c.Status(http.StatusOK)
		return
	}
	hash := token.HashToken(raw)

	tok, err := h.store.GetAccessTokenByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		tok, err = h.store.GetAccessTokenByRefreshHash(ctx, hash)
	}
	if err != nil {
		c.Status(http.StatusOK)
		return
	}
	if err := h.store.RevokeAccessToken(ctx, tok.ID); err != nil {
		h.logger.Warn("revoke token", zap.Error(err))
	}
	c.Status(http.StatusOK)
}
