package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
	"github.com/orrn/continuousprint/internal/host"
	"github.com/orrn/continuousprint/internal/notify"
)

type Spool struct {
	Material  string `json:"material" binding:"required"`
	ColorName string `json:"color_name"`
	Color     string `json:"color"`
}

// MaterialsRequest sets the loaded materials either directly or from
// spool descriptions, one per tool.
type MaterialsRequest struct {
	Materials []string `json:"materials"`
	Spools    []Spool  `json:"spools" binding:"dive"`
}

type RetrySettings struct {
	Enabled           bool  `json:"enabled"`
	MaxRetries        int   `json:"max_retries"`
	MaxElapsedSeconds int64 `json:"max_elapsed_seconds"`
}

type PrinterResponse struct {
	Name            string   `json:"name"`
	Model           string   `json:"model"`
	Width           float64  `json:"width"`
	Depth           float64  `json:"depth"`
	Height          float64  `json:"height"`
	FormFactor      string   `json:"form_factor"`
	SelfClearing    bool     `json:"self_clearing"`
	MaterialGating  bool     `json:"material_selection"`
	CurrentPath     string   `json:"current_path,omitempty"`
	LoadedMaterials []string `json:"loaded_materials"`
}

type SettingsHandler struct {
	store   *db.Store
	ctrl    Controller
	ring    *notify.Ring
	profile core.Profile
	gating  bool
	log     log.FieldLogger
}

func NewSettingsHandler(store *db.Store, ctrl Controller, ring *notify.Ring, profile core.Profile, gating bool, logger log.FieldLogger) *SettingsHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SettingsHandler{store: store, ctrl: ctrl, ring: ring, profile: profile, gating: gating, log: logger}
}

func (h *SettingsHandler) GetMaterials(c *gin.Context) {
	materials, err := h.store.LoadedMaterials(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to read loaded materials")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve materials"})
		return
	}
	if materials == nil {
		materials = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"materials": materials})
}

// SetMaterials records the loaded materials and nudges the driver, the
// same as a spool change on the printer.
func (h *SettingsHandler) SetMaterials(c *gin.Context) {
	var req MaterialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	materials := req.Materials
	if len(req.Spools) > 0 {
		materials = make([]string, 0, len(req.Spools))
		for _, s := range req.Spools {
			materials = append(materials, host.MaterialID(s.Material, s.ColorName, s.Color))
		}
	}
	if materials == nil {
		materials = []string{}
	}

	if err := h.store.SetLoadedMaterials(c.Request.Context(), materials); err != nil {
		h.log.WithError(err).Error("failed to save loaded materials")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to save materials"})
		return
	}
	h.ctrl.Submit(core.ActionTick)
	c.JSON(http.StatusOK, gin.H{"materials": materials})
}

func (h *SettingsHandler) GetRetry(c *gin.Context) {
	c.JSON(http.StatusOK, retrySettings(h.ctrl.RetryPolicy()))
}

func (h *SettingsHandler) SetRetry(c *gin.Context) {
	var req RetrySettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if req.MaxRetries < 0 || req.MaxElapsedSeconds < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "limits must not be negative"})
		return
	}

	p := core.RetryPolicy{
		Enabled:    req.Enabled,
		MaxRetries: req.MaxRetries,
		MaxElapsed: time.Duration(req.MaxElapsedSeconds) * time.Second,
	}
	if err := SaveRetryPolicy(c.Request.Context(), h.store, p); err != nil {
		h.log.WithError(err).Error("failed to save retry settings")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to save retry settings"})
		return
	}
	h.ctrl.SetRetryOnPause(p)
	c.JSON(http.StatusOK, retrySettings(p))
}

func (h *SettingsHandler) GetPrinter(c *gin.Context) {
	materials, err := h.store.LoadedMaterials(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Warn("failed to read loaded materials")
	}
	if materials == nil {
		materials = []string{}
	}
	p := h.profile
	c.JSON(http.StatusOK, PrinterResponse{
		Name:            p.Name,
		Model:           p.Model,
		Width:           p.Width,
		Depth:           p.Depth,
		Height:          p.Height,
		FormFactor:      p.FormFactor,
		SelfClearing:    p.SelfClearing,
		MaterialGating:  h.gating,
		CurrentPath:     h.ctrl.CurrentPath(),
		LoadedMaterials: materials,
	})
}

func (h *SettingsHandler) GetMessages(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	msgs := h.ring.List(limit)
	if msgs == nil {
		msgs = []notify.Entry{}
	}
	c.JSON(http.StatusOK, msgs)
}

func retrySettings(p core.RetryPolicy) RetrySettings {
	return RetrySettings{
		Enabled:           p.Enabled,
		MaxRetries:        p.MaxRetries,
		MaxElapsedSeconds: int64(p.MaxElapsed / time.Second),
	}
}

type settingStore interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	SetSetting(ctx context.Context, key, value string, encrypted bool) error
}

func SaveRetryPolicy(ctx context.Context, store settingStore, p core.RetryPolicy) error {
	b, err := json.Marshal(retrySettings(p))
	if err != nil {
		return fmt.Errorf("failed to encode retry settings: %w", err)
	}
	return store.SetSetting(ctx, db.SettingRetryOnPause, string(b), false)
}

// LoadRetryPolicy returns the policy saved through the API, or fallback
// when none has been saved.
func LoadRetryPolicy(ctx context.Context, store settingStore, fallback core.RetryPolicy) (core.RetryPolicy, error) {
	st, err := store.GetSetting(ctx, db.SettingRetryOnPause)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return fallback, err
	}
	var rs RetrySettings
	if err := json.Unmarshal([]byte(st.Value), &rs); err != nil {
		return fallback, fmt.Errorf("failed to decode retry settings: %w", err)
	}
	return core.RetryPolicy{
		Enabled:    rs.Enabled,
		MaxRetries: rs.MaxRetries,
		MaxElapsed: time.Duration(rs.MaxElapsedSeconds) * time.Second,
	}, nil
}
