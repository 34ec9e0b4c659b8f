package grantd

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/token"
)

// Handler is the HTTP boundary. It parses transport parameters, maps domain
// outcomes to status codes and OAuth-style JSON error bodies, and owns the
// minimal login/signup pages. All protocol decisions live in Server.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates an HTTP handler for the authorization server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Routes returns a mux with all endpoints registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", h.ServeAuthorize)
	mux.HandleFunc("GET /login", h.ServeLoginPage)
	mux.HandleFunc("POST /login", h.ServeLogin)
	mux.HandleFunc("GET /signup", h.ServeSignupPage)
	mux.HandleFunc("POST /signup", h.ServeSignup)
	mux.HandleFunc("GET /authentication_error", h.ServeAuthenticationError)
	mux.HandleFunc("POST /token", h.ServeToken)
	mux.HandleFunc("POST /revoke", h.ServeRevoke)
	mux.HandleFunc("POST /register", h.ServeRegister)
	return mux
}

// ServeAuthorize handles the authorization endpoint. On success the browser
// is redirected to the login page carrying the transaction key.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	authKey, err := h.server.Authorize(r.Context(),
		q.Get("response_type"),
		q.Get("client_id"),
		q.Get("redirect_uri"),
		q.Get("state"),
	)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	target := "/login?" + url.Values{"auth_info_key": {authKey}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeLoginPage renders the login form.
func (h *Handler) ServeLoginPage(w http.ResponseWriter, r *http.Request) {
	h.serveForm(w, r, "Sign in", "/login", loginFormFields)
}

// ServeLogin handles the login form post.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	redirect, err := h.server.Login(r.Context(),
		r.URL.Query().Get("auth_info_key"),
		r.PostFormValue("username"),
		r.PostFormValue("password"),
	)
	if err != nil {
		h.redirectError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeSignupPage renders the signup form.
func (h *Handler) ServeSignupPage(w http.ResponseWriter, r *http.Request) {
	h.serveForm(w, r, "Sign up", "/signup", signupFormFields)
}

// ServeSignup handles the signup form post.
func (h *Handler) ServeSignup(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	redirect, err := h.server.Signup(r.Context(),
		r.URL.Query().Get("auth_info_key"),
		r.PostFormValue("username"),
		r.PostFormValue("email"),
		r.PostFormValue("password"),
	)
	if err != nil {
		h.redirectError(w, r, err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeAuthenticationError renders the browser-facing error page the login
// and signup posts redirect to.
func (h *Handler) ServeAuthenticationError(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := http.StatusUnauthorized
	if code := q.Get("error_code"); code != "" {
		if _, err := fmt.Sscanf(code, "%d", &status); err != nil || status < 400 || status > 599 {
			status = http.StatusUnauthorized
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, errorPageHTML, status, htmlEscape(q.Get("error_message")))
}

// ServeToken handles the token endpoint for both grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.checkRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")

	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		pair, err := h.server.Exchange(r.Context(), clientID, clientSecret, r.PostFormValue("code"))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		h.writeTokenPair(w, pair)
	case "refresh_token":
		pair, err := h.server.Refresh(r.Context(), clientID, clientSecret, r.PostFormValue("refresh_token"))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		h.writeTokenPair(w, pair)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

// ServeRevoke handles refresh-token revocation (logout).
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	err := h.server.Revoke(r.Context(),
		r.PostFormValue("client_id"),
		r.PostFormValue("client_secret"),
		r.PostFormValue("refresh_token"),
	)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// registerRequest is the JSON body of the user registration endpoint.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ServeRegister handles standalone user registration.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "username, email and password are required", http.StatusBadRequest)
		return
	}

	if _, err := h.server.RegisterUser(r.Context(), req.Username, req.Email, req.Password); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Registered successfully"})
}

// ============================================================
// Helpers
// ============================================================

// tokenResponse is the wire shape of a successful token grant.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiresIn  int64  `json:"access_token_expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

func (h *Handler) writeTokenPair(w http.ResponseWriter, pair *token.Pair) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		AccessTokenExpiresIn:  pair.AccessExpiresIn,
		RefreshTokenExpiresIn: pair.RefreshExpiresIn,
		TokenType:             pair.TokenType,
	})
}

// writeDomainError maps a domain error to its JSON wire response. Storage
// failures are logged with detail but surface as an opaque server error.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrUnavailable) {
		h.logger.Error("Storage unavailable", "path", r.URL.Path, "error", err)
	}
	oe := asOAuthError(err)
	h.writeError(w, oe.Code, oe.Description, oe.Status)
}

// redirectError sends the browser to the authentication error page, the
// original flow's counterpart of a JSON error body.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrUnavailable) {
		h.logger.Error("Storage unavailable", "path", r.URL.Path, "error", err)
	}
	oe := asOAuthError(err)
	target := "/authentication_error?" + url.Values{
		"error_code":    {fmt.Sprintf("%d", oe.Status)},
		"error_message": {oe.Description},
	}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// checkRateLimit applies per-IP rate limiting to credential-bearing
// endpoints.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if h.server.limiter.Allow(ip) {
		return true
	}

	h.server.metrics.RateLimitExceeded.Add(r.Context(), 1)
	h.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	h.writeError(w, ErrorCodeRateLimitExceeded,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return false
}

// clientIP extracts the direct connection IP. Deployments behind a proxy
// terminate that concern in front of this server.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serveForm renders a minimal credential form that posts back with the
// transaction key preserved in the query string.
func (h *Handler) serveForm(w http.ResponseWriter, r *http.Request, title, action string, fields string) {
	authKey := r.URL.Query().Get("auth_info_key")
	if authKey == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "auth_info_key is required", http.StatusBadRequest)
		return
	}

	target := action + "?" + url.Values{"auth_info_key": {authKey}}.Encode()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, formPageHTML, htmlEscape(title), htmlEscape(title), target, fields)
}

func htmlEscape(s string) string {
	return html.EscapeString(s)
}

const formPageHTML = `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<form method="post" action="%s">
%s
<button type="submit">Submit</button>
</form>
</body>
</html>
`

const loginFormFields = `<input name="username" placeholder="Username" required>
<input name="password" type="password" placeholder="Password" required>`

const signupFormFields = `<input name="username" placeholder="Username" required>
<input name="email" type="email" placeholder="Email" required>
<input name="password" type="password" placeholder="Password" required>`

const errorPageHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication error</title></head>
<body>
<h1>Error %d</h1>
<p>%s</p>
</body>
</html>
`
