package proxy

import (
	"net/http"
	"strings"
)

const (
	AllowMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	AllowHeaders  = "authorization, apikey, content-type, x-client-info, prefer, range, x-upsert"
	ExposeHeaders = "content-range, range"

	// PreflightMaxAge is one day, in seconds.
	PreflightMaxAge = "86400"
)

// SetCORS grants any origin access to a proxied response.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	for _, name := range strings.Split(ExposeHeaders, ",") {
		EnsureExposedHeader(h, strings.TrimSpace(name))
	}
}

// Preflight answers a CORS preflight for the bypass prefix.
func Preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	h.Set("Access-Control-Max-Age", PreflightMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// IsPreflight reports whether r is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}

// EnsureExposedHeader adds name to Access-Control-Expose-Headers unless it is
// already listed, merging multiple values into one.
func EnsureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ", ")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			h.Set(expose, merged)
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
