package handlers

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/device"
	"github.com/orrn/continuousprint/internal/host"
)

type FailureRequest struct {
	Path      string `json:"path"`
	Command   string `json:"command"`
	Initiator string `json:"initiator"`
}

type HostEventRequest struct {
	Type      string `json:"type" binding:"required"`
	Path      string `json:"path"`
	User      bool   `json:"user"`
	Command   string `json:"command"`
	Initiator string `json:"initiator"`
}

type EventResponse struct {
	Accepted bool `json:"accepted"`
}

type EventHandler struct {
	dispatcher *host.Dispatcher
	ctrl       Controller
	log        log.FieldLogger
}

func NewEventHandler(dispatcher *host.Dispatcher, ctrl Controller, logger log.FieldLogger) *EventHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &EventHandler{dispatcher: dispatcher, ctrl: ctrl, log: logger}
}

// Failure is called by a failure detector that has paused the printer.
// Fields left empty default to a system pause of the current print.
func (h *EventHandler) Failure(c *gin.Context) {
	var req FailureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
			return
		}
	}
	if req.Path == "" {
		req.Path = h.ctrl.CurrentPath()
	}
	if req.Command == "" {
		req.Command = "pause"
	}
	if req.Initiator == "" {
		req.Initiator = "system"
	}

	ok := h.dispatcher.Handle(host.Event{
		Type:      host.FailureDetected,
		Path:      req.Path,
		Command:   req.Command,
		Initiator: req.Initiator,
	})
	c.JSON(http.StatusAccepted, EventResponse{Accepted: ok})
}

// QueueGo is the remote equivalent of the "//action:queuego" host command.
func (h *EventHandler) QueueGo(c *gin.Context) {
	ok := h.dispatcher.Handle(host.Event{Type: host.QueueGo})
	c.JSON(http.StatusAccepted, EventResponse{Accepted: ok})
}

func (h *EventHandler) Post(c *gin.Context) {
	var req HostEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	t, err := host.ParseEventType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_event", Message: err.Error()})
		return
	}

	ok := h.dispatcher.Handle(host.Event{
		Type:      t,
		Path:      req.Path,
		User:      req.User,
		Command:   req.Command,
		Initiator: req.Initiator,
	})
	c.JSON(http.StatusAccepted, EventResponse{Accepted: ok})
}

type FileSource interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

// LANFileHandler serves device files to LAN peers that were asked to
// print them.
type LANFileHandler struct {
	files FileSource
	log   log.FieldLogger
}

func NewLANFileHandler(files FileSource, logger log.FieldLogger) *LANFileHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LANFileHandler{files: files, log: logger}
}

func (h *LANFileHandler) GetFile(c *gin.Context) {
	p := strings.TrimPrefix(c.Param("path"), "/")
	if p == "" || strings.Contains(p, "..") || path.Clean(p) != p {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_path", Message: "Invalid file path"})
		return
	}

	data, err := h.files.Download(c.Request.Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrFileNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "File not found"})
		case errors.Is(err, device.ErrOffline):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "device_offline", Message: "Printer host unreachable"})
		default:
			h.log.WithError(err).WithField("path", p).Error("failed to read device file")
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "device_error", Message: "Failed to read file"})
		}
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+path.Base(p)+`"`)
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}
