package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/core"
)

var (
	ErrOffline         = errors.New("printer is offline")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidFileType = errors.New("file is not gcode")
	ErrConflict        = errors.New("printer cannot do that in its current state")
	ErrUnauthorized    = errors.New("device rejected api key")
)

const defaultTimeout = 10 * time.Second

// JobInfo is the subset of the device's job report the queue cares about.
type JobInfo struct {
	State      string
	Path       string
	Origin     string
	Completion float64
}

type jobResponse struct {
	State string `json:"state"`
	Job   struct {
		File struct {
			Path   string `json:"path"`
			Origin string `json:"origin"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion *float64 `json:"completion"`
	} `json:"progress"`
}

type printerResponse struct {
	Temperature struct {
		Bed struct {
			Actual float64 `json:"actual"`
			Target float64 `json:"target"`
		} `json:"bed"`
	} `json:"temperature"`
	State struct {
		Text string `json:"text"`
	} `json:"state"`
}

// Client talks to an OctoPrint compatible REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        log.FieldLogger
}

func NewClient(cfg config.DeviceConfig, logger log.FieldLogger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// MapState folds the device's state text into the three states the
// driver understands.
func MapState(text string) core.DeviceState {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "operational":
		return core.DeviceIdle
	case "paused", "pausing":
		return core.DevicePaused
	default:
		return core.DeviceBusy
	}
}

func (c *Client) Job(ctx context.Context) (*JobInfo, error) {
	var r jobResponse
	if err := c.do(ctx, http.MethodGet, "/api/job", nil, "", &r); err != nil {
		return nil, err
	}
	info := &JobInfo{
		State:  r.State,
		Path:   r.Job.File.Path,
		Origin: r.Job.File.Origin,
	}
	if r.Progress.Completion != nil {
		info.Completion = *r.Progress.Completion
	}
	return info, nil
}

// Status implements core.Device.
func (c *Client) Status(ctx context.Context) (core.DeviceState, string, error) {
	info, err := c.Job(ctx)
	if err != nil {
		return core.DeviceBusy, "", err
	}
	return MapState(info.State), info.Path, nil
}

func (c *Client) BedTemperature(ctx context.Context) (float64, error) {
	var r printerResponse
	if err := c.do(ctx, http.MethodGet, "/api/printer?exclude=sd", nil, "", &r); err != nil {
		return 0, err
	}
	return r.Temperature.Bed.Actual, nil
}

func (c *Client) SelectAndPrint(ctx context.Context, filePath string, sd bool) error {
	location := "local"
	if sd {
		location = "sdcard"
	}
	body := map[string]any{"command": "select", "print": true}
	return c.postJSON(ctx, "/api/files/"+location+"/"+escapePath(filePath), body)
}

func (c *Client) Cancel(ctx context.Context) error {
	return c.postJSON(ctx, "/api/job", map[string]any{"command": "cancel"})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.postJSON(ctx, "/api/job", map[string]any{"command": "pause", "action": "resume"})
}

func (c *Client) SendCommands(ctx context.Context, cmds []string) error {
	if len(cmds) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/api/printer/command", map[string]any{"commands": cmds})
}

func (c *Client) SetBedTarget(ctx context.Context, target float64) error {
	return c.postJSON(ctx, "/api/printer/bed", map[string]any{"command": "target", "target": target})
}

// Upload stores data on the device's local storage at filePath,
// replacing any existing file.
func (c *Client) Upload(ctx context.Context, filePath string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	dir, name := path.Split(strings.TrimPrefix(filePath, "/"))
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if dir != "" {
		if err := w.WriteField("path", strings.TrimSuffix(dir, "/")); err != nil {
			return fmt.Errorf("failed to build upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/api/files/local", &buf, w.FormDataContentType(), nil)
}

// Download fetches a file from the device's local storage.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/downloads/files/local/"+escapePath(filePath), nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) postJSON(ctx context.Context, p string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, p, bytes.NewReader(b), "application/json", nil)
}

func (c *Client) newRequest(ctx context.Context, method, p string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, p string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, p, body, contentType)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		c.log.WithFields(log.Fields{"method": method, "path": p, "status": resp.StatusCode}).Debug("device request failed")
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode device response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(msg))

	var base error
	switch resp.StatusCode {
	case http.StatusNotFound:
		base = ErrFileNotFound
	case http.StatusUnsupportedMediaType:
		base = ErrInvalidFileType
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		base = ErrUnauthorized
	default:
		return fmt.Errorf("device returned http %d: %s", resp.StatusCode, detail)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
