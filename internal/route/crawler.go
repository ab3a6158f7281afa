package route

import "strings"

// crawlerSignatures are matched as substrings of the lower-cased user agent.
// Social unfurlers, search engines and common HTTP tooling.
var crawlerSignatures = []string{
	"whatsapp", "telegram", "twitterbot", "facebookexternalhit", "facebot",
	"linkedinbot", "slackbot", "discordbot", "skype", "googlebot", "bingbot",
	"iframely", "embedly", "outbrain", "vkshare", "w3c_validator", "curl",
	"wget", "python-requests", "axios", "preview",
}

// IsCrawler reports whether userAgent looks like a link-preview crawler.
// This is a heuristic; an empty agent is treated as human.
func IsCrawler(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range crawlerSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

// CrawlerSignatures returns a copy of the signature set.
func CrawlerSignatures() []string {
	out := make([]string, len(crawlerSignatures))
	copy(out, crawlerSignatures)
	return out
}
