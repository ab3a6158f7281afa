package sw

// DefaultManifest is the app shell pre-populated into every new generation.
func DefaultManifest() []string {
	return []string{
		"/",
		"/index.html",
		"/onboarding.html",
		"/HOMEPAGE_FINAL.HTML",
		"/BOOKMARKS.HTML",
		"/CATAGORYPAGE.HTML",
		"/PRIVATE OWNER PROFILE.HTML",
		"/PUBLIC POV PROFILE.HTML",
		"/MY SPACE FINAL (USER).HTML",
		"/MY SPACE FINAL(COMPANIES).HTML",
		"/NOTIFICATION PANEL.HTML",
		"/reset-password.html",
		"/change-password.html",
		"/runtime.js",
		"/bridge.js",
		"/data.seed.js",
		"/auth.js",
		"/auth_guard.js",
		"/supabase.js",
		"/api.js",
		"/state_manager.js",
		"/router.js",
		"/pull_to_refresh.js",
		"/navigation_preloader.js",
		"/notifications.js",
		"/rqs_calculator.js",
		"/payment_gateway.js",
		"/build-version.js",
		"/global.css",
		"/icon-192.png",
		"/icon-512.png",
		"/manifest.json",
	}
}
