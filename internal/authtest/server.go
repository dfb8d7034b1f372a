// Package authtest provides an in-process OAuth2 authorization server and
// account API for tests. It issues codes bound to a PKCE S256 challenge,
// verifies code verifiers on exchange, and serves refresh grants.
package authtest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

const (
	TokenPath          = "/oauth/token"
	AuthorizePath      = "/oauth/authorize"
	SessionDestroyPath = "/api/account/session/destroy"
)

type authCode struct {
	clientID      string
	redirectURI   string
	codeChallenge string
}

// Server is a fake authorization server and account API. Its behavior is
// adjusted through the setter methods.
type Server struct {
	*httptest.Server

	mux *http.ServeMux

	mu            sync.Mutex
	clientID      string
	codes         map[string]authCode
	refreshTokens map[string]bool
	accessTokens  map[string]bool
	tokenRequests []url.Values
	destroyCalls  int

	expiresIn     int
	rotateRefresh bool
	tokenStatus   int
	destroyStatus int
	nextAccess    string
}

// NewServer starts a server for the given client ID. It is closed when the
// test ends.
func NewServer(t testing.TB, clientID string) *Server {
	t.Helper()

	s := &Server{
		clientID:      clientID,
		codes:         make(map[string]authCode),
		refreshTokens: make(map[string]bool),
		accessTokens:  make(map[string]bool),
		expiresIn:     3600,
		destroyStatus: http.StatusOK,
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc(TokenPath, s.handleToken)
	s.mux.HandleFunc(SessionDestroyPath, s.handleDestroy)
	s.Server = httptest.NewServer(s.mux)
	t.Cleanup(s.Close)

	return s
}

// AuthURL is the authorization endpoint.
func (s *Server) AuthURL() string { return s.URL + AuthorizePath }

// TokenURL is the token endpoint.
func (s *Server) TokenURL() string { return s.URL + TokenPath }

// APIRoot is the account API root, ending in a slash.
func (s *Server) APIRoot() string { return s.URL + "/api/" }

// SetExpiresIn sets expires_in for issued tokens.
func (s *Server) SetExpiresIn(sec int) {
	s.mu.Lock()
	s.expiresIn = sec
	s.mu.Unlock()
}

// SetRotateRefresh makes refresh grants return a new refresh token.
func (s *Server) SetRotateRefresh(rotate bool) {
	s.mu.Lock()
	s.rotateRefresh = rotate
	s.mu.Unlock()
}

// SetNextAccessToken fixes the value of the next issued access token.
func (s *Server) SetNextAccessToken(token string) {
	s.mu.Lock()
	s.nextAccess = token
	s.mu.Unlock()
}

// FailTokenEndpoint makes every token request fail with the given status.
// Zero restores normal behavior.
func (s *Server) FailTokenEndpoint(status int) {
	s.mu.Lock()
	s.tokenStatus = status
	s.mu.Unlock()
}

// SetDestroyStatus sets the status returned by the session destroy endpoint.
func (s *Server) SetDestroyStatus(status int) {
	s.mu.Lock()
	s.destroyStatus = status
	s.mu.Unlock()
}

// AddRefreshToken registers a refresh token the server accepts.
func (s *Server) AddRefreshToken(token string) {
	s.mu.Lock()
	s.refreshTokens[token] = true
	s.mu.Unlock()
}

// HandleAPI serves h at path relative to APIRoot. Requests without a
// bearer token issued by this server get 401.
func (s *Server) HandleAPI(path string, h http.HandlerFunc) {
	s.mux.HandleFunc("/api/"+path, func(w http.ResponseWriter, r *http.Request) {
		if !s.validBearer(r) {
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "access token rejected")
			return
		}

		h(w, r)
	})
}

// RevokeAccessTokens invalidates every issued access token.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	clear(s.accessTokens)
	s.mu.Unlock()
}

func (s *Server) validBearer(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accessTokens[token]
}

// TokenRequests returns the form bodies of all token endpoint requests.
func (s *Server) TokenRequests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]url.Values(nil), s.tokenRequests...)
}

// DestroyCalls returns the number of session destroy requests.
func (s *Server) DestroyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.destroyCalls
}

// Approve plays the user approving the login at the authorization URL and
// returns the redirect URL the browser would be sent to.
func (s *Server) Approve(authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}

	q := u.Query()

	switch {
	case q.Get("response_type") != "code":
		return "", fmt.Errorf("unsupported response_type %q", q.Get("response_type"))
	case q.Get("client_id") != s.clientID:
		return "", fmt.Errorf("unknown client_id %q", q.Get("client_id"))
	case q.Get("code_challenge_method") != "S256":
		return "", fmt.Errorf("code_challenge_method must be S256, got %q", q.Get("code_challenge_method"))
	case q.Get("code_challenge") == "":
		return "", fmt.Errorf("code_challenge is required")
	}

	code := randomHex(16)

	s.mu.Lock()
	s.codes[code] = authCode{
		clientID:      q.Get("client_id"),
		redirectURI:   q.Get("redirect_uri"),
		codeChallenge: q.Get("code_challenge"),
	}
	s.mu.Unlock()

	return redirectWith(q.Get("redirect_uri"), url.Values{
		"state": {q.Get("state")},
		"code":  {code},
	})
}

// Deny plays the user declining the login.
func (s *Server) Deny(authURL, description string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}

	q := u.Query()

	return redirectWith(q.Get("redirect_uri"), url.Values{
		"state":             {q.Get("state")},
		"error":             {"access_denied"},
		"error_description": {description},
	})
}

func redirectWith(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	u.RawQuery = params.Encode()

	return u.String(), nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenRequests = append(s.tokenRequests, r.PostForm)

	if s.tokenStatus != 0 {
		writeJSONError(w, s.tokenStatus, "server_error", "token endpoint unavailable")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r.PostForm)
	case "refresh_token":
		s.refresh(w, r.PostForm)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, form url.Values) {
	ac, ok := s.codes[form.Get("code")]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	delete(s.codes, form.Get("code"))

	if form.Get("client_id") != ac.clientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_client", "client_id mismatch")
		return
	}

	if form.Get("redirect_uri") != ac.redirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if !verifyPKCE(form.Get("code_verifier"), ac.codeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	refresh := randomHex(32)
	s.refreshTokens[refresh] = true

	s.writeToken(w, refresh)
}

func (s *Server) refresh(w http.ResponseWriter, form url.Values) {
	rt := form.Get("refresh_token")
	if !s.refreshTokens[rt] {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}

	if !s.rotateRefresh {
		s.writeToken(w, "")
		return
	}

	delete(s.refreshTokens, rt)

	next := randomHex(32)
	s.refreshTokens[next] = true

	s.writeToken(w, next)
}

func (s *Server) writeToken(w http.ResponseWriter, refresh string) {
	access := s.nextAccess
	if access == "" {
		access = randomHex(32)
	}

	s.nextAccess = ""
	s.accessTokens[access] = true

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   s.expiresIn,
	}
	if refresh != "" {
		resp["refresh_token"] = refresh
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	s.destroyCalls++
	status := s.destroyStatus

	if status < http.StatusMultipleChoices {
		delete(s.accessTokens, token)
	}
	s.mu.Unlock()

	w.WriteHeader(status)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return computed == challenge
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
