// Package preview renders link-preview documents for shared posts and
// profiles: a metadata-only page for crawlers and a redirecting page for
// people.
package preview

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/template"

	"edgeroute/internal/imgcdn"
	"edgeroute/internal/origin"
	"edgeroute/internal/route"
)

const (
	ContentType  = "text/html; charset=utf-8"
	CacheControl = "public, max-age=60, s-maxage=60"
)

type Options struct {
	SiteName      string
	ScoreLabel    string
	PublicURL     string
	Landing       string
	FallbackImage string
	ShareImage    string
	Icon          string

	// Images hosted on OriginHost are routed through Transform.
	OriginHost string
	Transform  imgcdn.Transform
}

// Document is a rendered preview ready to be written.
type Document struct {
	Header http.Header
	Body   []byte
}

// Write sends the document with status 200.
func (d Document) Write(w http.ResponseWriter) {
	for k, vs := range d.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body)
}

type Synthesizer struct {
	opts Options
}

func NewSynthesizer(opts Options) *Synthesizer {
	if opts.Landing == "" {
		opts.Landing = "/"
	}
	if opts.SiteName == "" {
		opts.SiteName = "PlusOpinion"
	}
	if opts.ScoreLabel == "" {
		opts.ScoreLabel = "RQS"
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Synthesizer{opts: opts}
}

type page struct {
	Site        string
	Type        string
	Title       string
	Description string
	Image       string
	Canonical   string
	AppURL      string
	Icon        string
}

// Synthesize renders e as a preview of the given category. cat must be
// route.PreviewPost or route.PreviewProfile.
func (s *Synthesizer) Synthesize(e origin.Entity, cat route.Category, crawler bool) (Document, error) {
	var p page
	switch cat {
	case route.PreviewPost:
		p = s.postPage(e)
	case route.PreviewProfile:
		p = s.profilePage(e)
	default:
		return Document{}, fmt.Errorf("preview: unsupported category %q", cat)
	}
	p.Site = Sanitize(s.opts.SiteName)
	p.Image = escapeAttr(s.previewImage(SelectImage(e, s.opts.FallbackImage)))
	p.Icon = escapeAttr(s.opts.Icon)

	tmpl := humanTmpl
	if crawler {
		tmpl = crawlerTmpl
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return Document{}, fmt.Errorf("preview: render: %w", err)
	}
	h := make(http.Header)
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", CacheControl)
	return Document{Header: h, Body: buf.Bytes()}, nil
}

func (s *Synthesizer) postPage(e origin.Entity) page {
	name, handle := s.names(e)
	text := Sanitize(e.Text)

	var desc string
	if text != "" {
		verified := ""
		if e.Verified {
			verified = "✅ Verified Purchase · "
		}
		desc = fmt.Sprintf("&quot;%s...&quot; · %sRead full opinion on %s", text, verified, Sanitize(s.opts.SiteName))
	} else {
		desc = fmt.Sprintf("See what %s thinks on %s", name, Sanitize(s.opts.SiteName))
	}
	id := url.QueryEscape(e.ID)
	return page{
		Type:        "article",
		Title:       s.title(name, handle, e.Score),
		Description: desc,
		Canonical:   s.opts.PublicURL + "/post/" + id,
		AppURL:      s.opts.Landing + "?post=" + id,
	}
}

func (s *Synthesizer) profilePage(e origin.Entity) page {
	name, handle := s.names(e)
	bio := Sanitize(e.Text)

	var desc string
	if bio != "" {
		desc = fmt.Sprintf("%s · Follow @%s on %s", bio, handle, Sanitize(s.opts.SiteName))
	} else {
		desc = fmt.Sprintf("See @%s's opinions, reviews and %s score on %s", handle, Sanitize(s.opts.ScoreLabel), Sanitize(s.opts.SiteName))
	}
	return page{
		Type:        "profile",
		Title:       s.title(name, handle, e.Score),
		Description: desc,
		Canonical:   s.opts.PublicURL + "/profile/" + url.PathEscape(e.Handle),
		AppURL:      "/profile?username=" + url.QueryEscape(e.Handle),
	}
}

func (s *Synthesizer) names(e origin.Entity) (name, handle string) {
	name = Sanitize(e.Name)
	if name == "" {
		name = Sanitize(s.opts.SiteName + " User")
	}
	handle = Sanitize(e.Handle)
	if handle == "" {
		handle = "user"
	}
	return name, handle
}

func (s *Synthesizer) title(name, handle string, score float64) string {
	return fmt.Sprintf("%s (@%s) · %s %s on %s", name, handle,
		Sanitize(s.opts.ScoreLabel), strconv.FormatFloat(score, 'f', -1, 64), Sanitize(s.opts.SiteName))
}

// previewImage swaps the fallback asset for the share card and sends
// origin-hosted images through the transformation service.
func (s *Synthesizer) previewImage(img string) string {
	if img == "" || img == s.opts.FallbackImage {
		return s.opts.ShareImage
	}
	if s.opts.OriginHost != "" {
		if u, err := url.Parse(img); err == nil && strings.EqualFold(u.Host, s.opts.OriginHost) {
			return s.opts.Transform.URL(img)
		}
	}
	return img
}

// SelectImage picks the entity's media unless it is a video, then the avatar,
// then fallback.
func SelectImage(e origin.Entity, fallback string) string {
	if e.Media != "" && !IsVideoRef(e.Media) {
		return e.Media
	}
	if e.Avatar != "" {
		return e.Avatar
	}
	return fallback
}

// IsVideoRef reports whether ref points at an mp4, mov or webm file.
func IsVideoRef(ref string) bool {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	return strings.HasSuffix(p, ".mp4") || strings.HasSuffix(p, ".mov") || strings.HasSuffix(p, ".webm")
}

var crawlerTmpl = template.Must(template.New("crawler").Parse(`<!DOCTYPE html>
<html prefix="og: https://ogp.me/ns#" lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <meta name="description" content="{{.Description}}">
    <link rel="canonical" href="{{.Canonical}}">
    <meta property="og:type" content="{{.Type}}">
    <meta property="og:site_name" content="{{.Site}}">
    <meta property="og:url" content="{{.Canonical}}">
    <meta property="og:title" content="{{.Title}}">
    <meta property="og:description" content="{{.Description}}">
    <meta property="og:image" itemprop="image" content="{{.Image}}">
    <meta property="og:image:alt" content="{{.Site}} Preview">
    <meta name="twitter:card" content="summary_large_image">
    <meta name="twitter:title" content="{{.Title}}">
    <meta name="twitter:description" content="{{.Description}}">
    <meta name="twitter:image" content="{{.Image}}">
</head>
<body><p>Loading {{.Site}}...</p></body>
</html>
`))

var humanTmpl = template.Must(template.New("human").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="canonical" href="{{.Canonical}}">
    <meta property="og:type" content="{{.Type}}">
    <meta property="og:url" content="{{.Canonical}}">
    <meta property="og:title" content="{{.Title}}">
    <meta property="og:description" content="{{.Description}}">
    <meta property="og:image" content="{{.Image}}">
    <meta name="twitter:card" content="summary_large_image">
    <style>body{background:#020205;color:#fff;display:flex;align-items:center;justify-content:center;height:100vh;} .avatar{width:72px;border-radius:20px;margin-bottom:8px;} .bar{width:200px;height:3px;background:rgba(255,255,255,0.1);margin-top:8px;} .bar-fill{height:100%;background:linear-gradient(90deg,#2f8bff,#6BFFB6);animation:load 0.8s ease-out forwards;} @keyframes load{from{width:0}to{width:100%}}</style>
    <script>window.location.replace("{{.AppURL}}");</script>
</head>
<body><div style="text-align:center"><img class="avatar" src="{{.Image}}" onerror="this.src='{{.Icon}}'"><h3>Redirecting...</h3><div class="bar"><div class="bar-fill"></div></div></div></body>
</html>
`))
