package lan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
)

const (
	// Dir is where peer files are stored on the local device.
	Dir = "lan"

	FilesRoute = "/api/lan/files/"

	maxFileSize = 512 << 20
)

var ErrNotGcode = errors.New("peer file is not gcode text")

type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// HTTPResolver copies a file from a LAN peer onto the local device.
type HTTPResolver struct {
	dev        Uploader
	httpClient *http.Client
	log        log.FieldLogger
}

func NewHTTPResolver(dev Uploader, timeout time.Duration, logger log.FieldLogger) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTPResolver{
		dev:        dev,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// LocalPath is where a peer file with the given content lands on the
// device. The content digest keeps different revisions apart.
func LocalPath(remotePath string, data []byte) string {
	sum := sha256.Sum256(data)
	return path.Join(Dir, hex.EncodeToString(sum[:])[:16], path.Base(remotePath))
}

// Resolve implements core.Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, addr, remotePath string) (string, error) {
	wrap := func(err error) error {
		return &core.ResolveError{Addr: addr, Path: remotePath, Err: err}
	}

	data, err := r.fetch(ctx, addr, remotePath)
	if err != nil {
		return "", wrap(err)
	}
	if mt := mimetype.Detect(data); !mt.Is("text/plain") {
		return "", wrap(fmt.Errorf("%w: detected %s", ErrNotGcode, mt.String()))
	}

	dest := LocalPath(remotePath, data)
	if err := r.dev.Upload(ctx, dest, data); err != nil {
		return "", wrap(fmt.Errorf("failed to upload to device: %w", err))
	}
	r.log.WithFields(log.Fields{"peer": addr, "path": remotePath, "dest": dest, "bytes": len(data)}).Info("resolved LAN print file")
	return dest, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, addr, remotePath string) ([]byte, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	parts := strings.Split(strings.TrimPrefix(remotePath, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	u := strings.TrimRight(base, "/") + FilesRoute + strings.Join(parts, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach peer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read peer file: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("peer file exceeds %d bytes", maxFileSize)
	}
	return data, nil
}
