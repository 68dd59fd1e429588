package api

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName is the name of the authentication session cookie
	SessionCookieName = "umleitung_session"
	// SessionTimeout is the duration for which sessions are valid
	SessionTimeout = 24 * time.Hour
)

// Claims are the claims of an API session token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// authenticator issues and checks HS256 session tokens. Without configured
// credentials every request is admitted.
type authenticator struct {
	username string
	password string
	secret   []byte
	now      func() time.Time
}

func newAuthenticator(cfg config.APIConfig) (*authenticator, error) {
	a := &authenticator{
		username: cfg.Username,
		password: cfg.Password,
		secret:   []byte(cfg.JWTSecret),
		now:      time.Now,
	}
	if len(a.secret) == 0 {
		// tokens do not survive a restart without a configured secret
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	return a, nil
}

func (a *authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

// checkCredentials compares in constant time.
func (a *authenticator) checkCredentials(username, password string) bool {
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	return usernameMatch && passwordMatch
}

func (a *authenticator) createToken(username string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(SessionTimeout)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "umleitung",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (a *authenticator) parseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// tokenFrom returns the bearer token or, for browsers and EventSource
// clients, the session cookie.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := tokenFrom(r)
		if token == "" {
			writeEnvelope(w, http.StatusUnauthorized, CodeOperationError, "authentication required", nil)
			return
		}
		if _, err := a.parseToken(token); err != nil {
			logger.Debug("JWT token validation failed: %v", err)
			writeEnvelope(w, http.StatusUnauthorized, CodeOperationError, "invalid or expired session", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.auth.enabled() {
		writeEnvelope(w, http.StatusBadRequest, CodeOperationError, "authentication is not configured", nil)
		return
	}
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !s.auth.checkCredentials(req.Username, req.Password) {
		logger.Warn("Failed login attempt for username: %s from %s", req.Username, r.RemoteAddr)
		writeEnvelope(w, http.StatusUnauthorized, CodeOperationError, "invalid username or password", nil)
		return
	}

	token, expires, err := s.auth.createToken(req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(SessionTimeout.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info("Successful login for username: %s from %s", req.Username, r.RemoteAddr)
	writeOK(w, loginResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Session cookie cleared for %s", r.RemoteAddr)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		SameSite: http.SameSiteLaxMode,
	})
	writeOK(w, nil)
}
