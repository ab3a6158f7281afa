package sw

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CachedResponse is a fully read response as stored in a generation.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Capture reads resp to the end and closes its body.
func Capture(resp *http.Response) (CachedResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, err
	}
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return CachedResponse{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
	}, nil
}

// Response replays the stored copy as an answer to req. Every call gets its
// own body reader.
func (c CachedResponse) Response(req *http.Request) *http.Response {
	h := cloneHeader(c.Header)
	h.Set("Content-Length", strconv.Itoa(len(c.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// synthetic builds a locally generated response, used as the last link of a
// fallback chain.
func synthetic(req *http.Request, status int, statusText string, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = make(http.Header)
	}
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, statusText),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
