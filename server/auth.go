package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tasktrack/config"
	"github.com/GoCodeAlone/tasktrack/lifecycle"
	"github.com/GoCodeAlone/tasktrack/server/api"
	"github.com/GoCodeAlone/tasktrack/task"
)

// claims is the JWT payload. The subject is the user id.
type claims struct {
	Role task.Role `json:"role"`
	jwt.RegisteredClaims
}

// signJWT creates an HS256 token for actor valid for ttl.
func signJWT(secret string, actor lifecycle.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verifyJWT validates a token and returns the actor it was issued to.
func verifyJWT(secret, token string) (lifecycle.Actor, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return lifecycle.Actor{}, err
	}
	if c.Subject == "" {
		return lifecycle.Actor{}, errors.New("token has no subject")
	}
	if c.Role != task.RoleAdmin && c.Role != task.RoleEmployee {
		return lifecycle.Actor{}, fmt.Errorf("token has unknown role %q", c.Role)
	}
	return lifecycle.Actor{ID: c.Subject, Role: c.Role}, nil
}

// HashPassword returns the bcrypt hash stored in auth.users[].password_hash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// findUser returns the configured user with the given id.
func (s *Server) findUser(id string) (config.UserConfig, bool) {
	for _, u := range s.cfg.Auth.Users {
		if u.ID == id {
			return u, true
		}
	}
	return config.UserConfig{}, false
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token     string    `json:"token"`
	Role      task.Role `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin validates credentials and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, ok := s.findUser(req.Username)
	if !ok || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	actor := lifecycle.Actor{ID: u.ID, Role: task.Role(u.Role)}
	ttl := s.cfg.Auth.TokenTTL
	token, err := signJWT(s.jwtSecret(), actor, ttl)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	s.logger.Info("user logged in", "user_id", actor.ID, "role", actor.Role)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: actor.Role, ExpiresAt: time.Now().Add(ttl).UTC()})
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := api.ActorFrom(r.Context())
	writeJSON(w, http.StatusOK, actor)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authMiddleware enforces JWT authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		actor, err := verifyJWT(s.jwtSecret(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(api.WithActor(r.Context(), actor)))
	})
}
