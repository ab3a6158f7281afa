// Package imgcdn builds URLs for the external image-transformation service.
package imgcdn

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultService is the public wsrv.nl endpoint.
const DefaultService = "https://wsrv.nl/"

// Transform describes one fixed transformation. Zero Width or Height are
// omitted from the URL.
type Transform struct {
	Service string
	Width   int
	Height  int
	Fit     string
	Format  string
	Quality int
}

// Preview is the bounded share-card transform used for unfurlers that reject
// large images.
func Preview(service string) Transform {
	return Transform{Service: service, Width: 600, Height: 600, Fit: "cover", Format: "jpg", Quality: 70}
}

// Inline is the transform used for in-app images during development.
func Inline(service string) Transform {
	return Transform{Service: service, Width: 900, Fit: "cover", Format: "webp", Quality: 80}
}

// URL returns the transformation URL for src.
func (t Transform) URL(src string) string {
	svc := t.Service
	if svc == "" {
		svc = DefaultService
	}
	var b strings.Builder
	b.WriteString(svc)
	if strings.Contains(svc, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("url=")
	b.WriteString(url.QueryEscape(src))
	if t.Width > 0 {
		b.WriteString("&w=" + strconv.Itoa(t.Width))
	}
	if t.Height > 0 {
		b.WriteString("&h=" + strconv.Itoa(t.Height))
	}
	if t.Fit != "" {
		b.WriteString("&fit=" + t.Fit)
	}
	if t.Format != "" {
		b.WriteString("&output=" + t.Format)
	}
	if t.Quality > 0 {
		b.WriteString("&q=" + strconv.Itoa(t.Quality))
	}
	return b.String()
}
