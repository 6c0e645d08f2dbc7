package lan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/orrn/continuousprint/internal/core"
)

type fakeUploader struct {
	files map[string]string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, p string, data []byte) error {
	if u.err != nil {
		return u.err
	}
	u.files[p] = string(data)
	return nil
}

func newPeer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case FilesRoute + "parts/a b.gcode":
			w.Write([]byte("G28\nG1 X10 Y10\n"))
		case FilesRoute + "model.bin":
			w.Write([]byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00, 0x00, 0x10})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	peer := newPeer(t)
	up := &fakeUploader{files: map[string]string{}}
	r := NewHTTPResolver(up, time.Second, nil)

	addr := strings.TrimPrefix(peer.URL, "http://")
	got, err := r.Resolve(context.Background(), addr, "parts/a b.gcode")
	if err != nil {
		t.Fatal(err)
	}
	want := LocalPath("parts/a b.gcode", []byte("G28\nG1 X10 Y10\n"))
	if got != want || !strings.HasPrefix(got, "lan/") || !strings.HasSuffix(got, "/a b.gcode") {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
	if up.files[got] != "G28\nG1 X10 Y10\n" {
		t.Errorf("uploaded = %v", up.files)
	}
}

func TestResolveFailures(t *testing.T) {
	peer := newPeer(t)

	tests := []struct {
		name    string
		addr    string
		path    string
		upErr   error
		wantErr error
	}{
		{"missing file", peer.URL, "nope.gcode", nil, nil},
		{"binary file", peer.URL, "model.bin", nil, ErrNotGcode},
		{"upload fails", peer.URL, "parts/a b.gcode", errors.New("disk full"), nil},
		{"unreachable", "127.0.0.1:1", "a.gcode", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHTTPResolver(&fakeUploader{files: map[string]string{}, err: tt.upErr}, time.Second, nil)
			_, err := r.Resolve(context.Background(), tt.addr, tt.path)

			var re *core.ResolveError
			if !errors.As(err, &re) {
				t.Fatalf("err = %v, want *core.ResolveError", err)
			}
			if re.Path != tt.path {
				t.Errorf("ResolveError.Path = %q", re.Path)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocalPathDependsOnContent(t *testing.T) {
	a := LocalPath("x/part.gcode", []byte("G28"))
	b := LocalPath("y/part.gcode", []byte("G29"))
	if a == b {
		t.Error("different content should land in different directories")
	}
	if a != LocalPath("z/part.gcode", []byte("G28")) {
		t.Error("same content should land in the same place")
	}
}
