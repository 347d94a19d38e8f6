package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
)

const storedAtHeaderName = "Swcache-Stored-At"

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Snapshot is an immutable copy of a response taken at the moment it was stored.
// The body is held in memory, so any number of independent responses can be
// produced from one snapshot.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time
}

// Ok reports whether the snapshot holds a 2xx response.
func (s Snapshot) Ok() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Capture reads the body of res exactly once and returns a snapshot of it.
// The body of res is replaced with an independent reader over the same bytes,
// so the response can still be delivered to the caller after capturing.
func Capture(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = make(http.Header)
	}
	if res.Body == nil || res.Body == http.NoBody {
		return snap, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return snap, fmt.Errorf("reading response body: %w", err)
	}
	snap.Body = body
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return snap, nil
}

// Response creates a new response for req from the snapshot.
// Every call returns a response with its own header map and body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Marshal encodes the snapshot as a zstd compressed HTTP/1.1 response.
func Marshal(s Snapshot) ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("writing response: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Unmarshal decodes bytes created by Marshal.
func Unmarshal(b []byte) (Snapshot, error) {
	var snap Snapshot
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return snap, fmt.Errorf("decompressing snapshot: %w", err)
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return snap, fmt.Errorf("reading snapshot: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return snap, fmt.Errorf("reading snapshot body: %w", err)
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		snap.StoredAt = time.Unix(storedAt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")
	snap.StatusCode = res.StatusCode
	snap.Header = res.Header
	snap.Body = body
	return snap, nil
}
