package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/continuousprint/internal/db"
)

const (
	cookieName    = "cpq_auth"
	tokenDuration = 24 * time.Hour
	issuer        = "cpq"
	subject       = "operator"
	secretBytes   = 32
)

var (
	errSetupRequired = errors.New("setup required")
	errWrongPassword = errors.New("wrong password")
)

// SettingStore is the part of the store holding the password hash and
// signing secret.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	SetSetting(ctx context.Context, key, value string, encrypted bool) error
}

// AuthMiddleware guards the mutating API with a single operator password.
// Sessions are HS256 tokens carried in a cookie or a Bearer header.
type AuthMiddleware struct {
	store  SettingStore
	secret []byte
	secure bool
	now    func() time.Time
	log    log.FieldLogger
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type SetupRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type TokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	SetupRequired bool `json:"setup_required"`
}

// NewAuthMiddleware loads the signing secret, creating one on first use.
// secureCookie marks the auth cookie Secure; turn it off for plain HTTP.
func NewAuthMiddleware(ctx context.Context, store SettingStore, secureCookie bool, logger log.FieldLogger) (*AuthMiddleware, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	a := &AuthMiddleware{store: store, secure: secureCookie, now: time.Now, log: logger}

	secret, err := a.loadSecret(ctx)
	if err != nil {
		return nil, err
	}
	a.secret = secret
	return a, nil
}

func (a *AuthMiddleware) loadSecret(ctx context.Context) ([]byte, error) {
	st, err := a.store.GetSetting(ctx, db.SettingAuthSecret)
	switch {
	case err == nil:
		return hex.DecodeString(st.Value)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to read signing secret: %w", err)
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := a.store.SetSetting(ctx, db.SettingAuthSecret, hex.EncodeToString(secret), false); err != nil {
		return nil, err
	}
	a.log.Info("generated new auth signing secret")
	return secret, nil
}

// verify checks password against the stored hash.
func (a *AuthMiddleware) verify(ctx context.Context, password string) error {
	st, err := a.store.GetSetting(ctx, db.SettingAuthPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return errSetupRequired
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(st.Value), []byte(password)) != nil {
		return errWrongPassword
	}
	return nil
}

func (a *AuthMiddleware) setupRequired(ctx context.Context) bool {
	_, err := a.store.GetSetting(ctx, db.SettingAuthPassword)
	return errors.Is(err, sql.ErrNoRows)
}

func (a *AuthMiddleware) savePassword(ctx context.Context, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.store.SetSetting(ctx, db.SettingAuthPassword, string(hashed), true)
}

func (a *AuthMiddleware) generateToken() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthMiddleware) valid(token string) bool {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithSubject(subject),
		jwt.WithTimeFunc(a.now),
	)
	return err == nil && parsed.Valid
}

func bearer(c *gin.Context) string {
	if v, err := c.Cookie(cookieName); err == nil && v != "" {
		return v
	}
	h := c.GetHeader("Authorization")
	if v, ok := strings.CutPrefix(h, "Bearer "); ok {
		return v
	}
	return ""
}

// issue signs a token, sets the session cookie and writes the response.
func (a *AuthMiddleware) issue(c *gin.Context, message string) {
	token, err := a.generateToken()
	if err != nil {
		a.log.WithError(err).Error("failed to sign token")
		c.JSON(http.StatusInternalServerError, TokenResponse{Message: "Failed to generate token"})
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, token, int(tokenDuration.Seconds()), "/", "", a.secure, true)
	c.JSON(http.StatusOK, TokenResponse{Success: true, Token: token, Message: message})
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TokenResponse{Message: "Invalid request"})
		return
	}

	switch err := a.verify(c.Request.Context(), req.Password); {
	case errors.Is(err, errSetupRequired):
		c.JSON(http.StatusForbidden, TokenResponse{Message: "Setup required"})
	case errors.Is(err, errWrongPassword):
		a.log.WithField("client", c.ClientIP()).Warn("failed login attempt")
		c.JSON(http.StatusUnauthorized, TokenResponse{Message: "Invalid password"})
	case err != nil:
		a.log.WithError(err).Error("failed to read password")
		c.JSON(http.StatusInternalServerError, TokenResponse{Message: "Server error"})
	default:
		a.issue(c, "")
	}
}

func (a *AuthMiddleware) SetupHandler(c *gin.Context) {
	ctx := c.Request.Context()
	if !a.setupRequired(ctx) {
		c.JSON(http.StatusBadRequest, TokenResponse{Message: "Setup already completed"})
		return
	}

	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TokenResponse{Message: "Password must be at least 6 characters"})
		return
	}
	if err := a.savePassword(ctx, req.Password); err != nil {
		a.log.WithError(err).Error("failed to save password")
		c.JSON(http.StatusInternalServerError, TokenResponse{Message: "Failed to save password"})
		return
	}
	a.log.Info("operator password set")
	a.issue(c, "Setup completed")
}

func (a *AuthMiddleware) ChangePasswordHandler(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TokenResponse{Message: "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	if err := a.verify(ctx, req.CurrentPassword); err != nil {
		if errors.Is(err, errWrongPassword) {
			c.JSON(http.StatusUnauthorized, TokenResponse{Message: "Current password is incorrect"})
			return
		}
		c.JSON(http.StatusInternalServerError, TokenResponse{Message: "Server error"})
		return
	}
	if err := a.savePassword(ctx, req.NewPassword); err != nil {
		a.log.WithError(err).Error("failed to save password")
		c.JSON(http.StatusInternalServerError, TokenResponse{Message: "Failed to update password"})
		return
	}
	a.issue(c, "Password changed")
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", a.secure, true)
	c.JSON(http.StatusOK, TokenResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	if t := bearer(c); t != "" && a.valid(t) {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{SetupRequired: a.setupRequired(c.Request.Context())})
}

// RequireAuth rejects requests without a valid session token.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := bearer(c)
		if t == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if !a.valid(t) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.Next()
	}
}
