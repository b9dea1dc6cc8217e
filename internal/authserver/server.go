// Package authserver is the reference auth collaborator: it exchanges a
// resource password for a session grant. The engine only ever talks to
// its HTTP interface; tokens it mints stay opaque downstream.
package authserver

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"go.pilab.hu/sessiongate/config"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

// Server holds the collaborator's dependencies.
type Server struct {
	resources  map[string]config.ResourcePolicy
	signingKey []byte
}

// NewServer creates a Server over the configured resource policies.
func NewServer(resources map[string]config.ResourcePolicy, signingKey []byte) *Server {
	return &Server{
		resources:  resources,
		signingKey: signingKey,
	}
}

// RegisterRoutes registers the validation routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/validate", s.ValidateHandler)
	e.GET("/healthz", s.HealthHandler)
}

// NewEcho builds a ready-to-run echo instance for the server.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	s.RegisterRoutes(e)
	return e
}

type validateRequest struct {
	ResourceID string `json:"resource_id"`
	Password   string `json:"password"`
}

type validateResponse struct {
	SessionToken   string `json:"session_token"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

// ValidateHandler exchanges (resourceId, password) for a grant. Initial
// validation and renewal share this endpoint; the collaborator does not
// care which one the caller is doing.
func (s *Server) ValidateHandler(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, sgerrors.NewServerError("Malformed validate request"))
	}

	policy, ok := s.resources[req.ResourceID]
	if !ok {
		return c.JSON(http.StatusNotFound, sgerrors.NewUnknownResource(req.ResourceID))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(policy.PasswordHash), []byte(req.Password)); err != nil {
		log.Warn().Str("resourceID", req.ResourceID).Msg("Validation rejected: incorrect password")
		return c.JSON(http.StatusUnauthorized, sgerrors.NewInvalidPassword())
	}

	timeout := time.Duration(policy.TimeoutMinutes) * time.Minute
	token, err := s.mintToken(req.ResourceID, timeout)
	if err != nil {
		log.Error().Err(err).Str("resourceID", req.ResourceID).Msg("Failed to mint session token")
		return c.JSON(http.StatusInternalServerError, sgerrors.NewServerError("Failed to issue session token"))
	}

	log.Info().Str("resourceID", req.ResourceID).Int("timeoutMinutes", policy.TimeoutMinutes).Msg("Validation succeeded, grant issued")
	return c.JSON(http.StatusOK, validateResponse{
		SessionToken:   token,
		TimeoutMinutes: policy.TimeoutMinutes,
	})
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// mintToken issues a signed token proving a successful validation. The
// consuming engine treats it as opaque.
func (s *Server) mintToken(resourceID string, timeout time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   resourceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(timeout)),
		Issuer:    "sessiongate-authd",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}
