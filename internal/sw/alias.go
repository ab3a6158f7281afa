package sw

import "net/url"

// AliasTable maps clean paths to the physical files that serve them. It
// only applies in development, where no host-level rewrite rules exist.
type AliasTable map[string]string

// DefaultAliases is the app's clean-URL table.
func DefaultAliases() AliasTable {
	return AliasTable{
		"/feed":            "/HOMEPAGE_FINAL.HTML",
		"/onboarding":      "/onboarding.html",
		"/reset-password":  "/reset-password.html",
		"/change-password": "/change-password.html",
		"/bookmarks":       "/BOOKMARKS.HTML",
		"/categories":      "/CATAGORYPAGE.HTML",
		"/myspace":         "/MY SPACE FINAL (USER).HTML",
		"/workspace":       "/MY SPACE FINAL(COMPANIES).HTML",
		"/notifications":   "/NOTIFICATION PANEL.HTML",
		"/myprofile":       "/PRIVATE OWNER PROFILE.HTML",
		"/profile":         "/PUBLIC POV PROFILE.HTML",
		"/about":           "/ABOUT.HTML",
		"/support":         "/SUPPORT.HTML",
		"/privacy-policy":  "/PRIVACY_POLICY.HTML",
		"/t&c":             "/TERMS_AND_CONDITIONS.HTML",
		"/maintenance":     "/MAINTENANCE.HTML",
	}
}

// With returns a copy of t with overrides applied on top.
func (t AliasTable) With(overrides map[string]string) AliasTable {
	out := make(AliasTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Resolve returns u with its path swapped for the physical one when the path
// matches an entry exactly. Query and fragment are kept.
func (t AliasTable) Resolve(u *url.URL) (*url.URL, bool) {
	phys, ok := t[u.Path]
	if !ok {
		return nil, false
	}
	out := *u
	out.Path = phys
	out.RawPath = ""
	return &out, true
}
