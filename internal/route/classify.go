// Package route classifies requests into the resource categories that drive
// both the edge dispatcher and the client-side fetch router.
package route

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Category string

const (
	ProxyAPI       Category = "proxy-api"
	PreviewPost    Category = "social-preview-post"
	PreviewProfile Category = "social-preview-profile"
	Document       Category = "document"
	StaticAsset    Category = "static-asset"
	Image          Category = "image"
	Video          Category = "video"
	External       Category = "external"
)

// DefaultBypassPrefix is the path prefix proxied to the data origin.
const DefaultBypassPrefix = "/supabase-api/"

// Classification is a category plus, for preview categories, the entity id or
// username taken from the path.
type Classification struct {
	Category Category
	Param    string
}

var (
	videoExts = map[string]struct{}{
		"mp4": {}, "mov": {}, "webm": {}, "ogg": {}, "avi": {}, "mkv": {}, "m4v": {}, "3gp": {},
	}
	imageExts = map[string]struct{}{
		"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "heic": {}, "avif": {}, "svg": {}, "bmp": {}, "tiff": {},
	}
)

// Classifier holds the one configurable input of the rule table.
type Classifier struct {
	BypassPrefix string
}

// Default uses DefaultBypassPrefix.
var Default = Classifier{BypassPrefix: DefaultBypassPrefix}

// NewClassifier normalizes prefix to the "/name/" form.
func NewClassifier(prefix string) Classifier {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return Default
	}
	return Classifier{BypassPrefix: "/" + prefix + "/"}
}

type input struct {
	path        string
	host        string
	header      http.Header
	servingHost string
}

type rule struct {
	category Category
	match    func(c Classifier, in input) (string, bool)
}

// rules is evaluated in order; the first match wins.
var rules = []rule{
	{ProxyAPI, func(c Classifier, in input) (string, bool) {
		return "", strings.HasPrefix(in.path, c.BypassPrefix)
	}},
	{PreviewPost, func(_ Classifier, in input) (string, bool) {
		return previewParam(in.path, "/post/")
	}},
	{PreviewProfile, func(_ Classifier, in input) (string, bool) {
		return previewParam(in.path, "/profile/")
	}},
	{Video, func(_ Classifier, in input) (string, bool) {
		return "", IsVideoPath(in.path)
	}},
	{Image, func(_ Classifier, in input) (string, bool) {
		return "", IsImagePath(in.path)
	}},
	{Document, func(_ Classifier, in input) (string, bool) {
		return "", wantsDocument(in.header) || strings.HasSuffix(strings.ToLower(in.path), ".html")
	}},
	{External, func(_ Classifier, in input) (string, bool) {
		return "", in.host != "" && in.servingHost != "" && !strings.EqualFold(in.host, in.servingHost)
	}},
}

// Classify maps a URL and request headers to a category. servingHost is the
// host this process answers for; an empty URL host counts as same-host.
func (c Classifier) Classify(u *url.URL, h http.Header, servingHost string) Classification {
	in := input{path: u.Path, host: u.Host, header: h, servingHost: servingHost}
	if in.path == "" {
		in.path = "/"
	}
	for _, r := range rules {
		if param, ok := r.match(c, in); ok {
			return Classification{Category: r.category, Param: param}
		}
	}
	return Classification{Category: StaticAsset}
}

// ClassifyRequest classifies an inbound server request, serving r.Host.
func (c Classifier) ClassifyRequest(r *http.Request) Classification {
	return c.Classify(r.URL, r.Header, r.Host)
}

// PreviewKind reports whether path is under a preview prefix, regardless of
// whether the identifying segment is present.
func PreviewKind(p string) (Category, bool) {
	switch {
	case strings.HasPrefix(p, "/post/"):
		return PreviewPost, true
	case strings.HasPrefix(p, "/profile/"):
		return PreviewProfile, true
	}
	return "", false
}

func previewParam(p, prefix string) (string, bool) {
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	seg := strings.TrimPrefix(p, prefix)
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if i := strings.IndexByte(seg, '?'); i >= 0 {
		seg = seg[:i]
	}
	return seg, seg != ""
}

// IsVideoPath reports whether p ends in a video extension. A trailing
// "?query" is ignored.
func IsVideoPath(p string) bool {
	_, ok := videoExts[extOf(p)]
	return ok
}

// IsImagePath reports whether p ends in an image extension.
func IsImagePath(p string) bool {
	_, ok := imageExts[extOf(p)]
	return ok
}

func extOf(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func wantsDocument(h http.Header) bool {
	if h == nil {
		return false
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Dest"), "document") || strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	accept := h.Get("Accept")
	if accept == "" {
		return false
	}
	first, _, _ := strings.Cut(accept, ",")
	first, _, _ = strings.Cut(first, ";")
	return strings.EqualFold(strings.TrimSpace(first), "text/html")
}
