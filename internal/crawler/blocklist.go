package crawler

import (
	"net/url"
	"strings"
)

// DefaultBlockedDomains lists the social media hosts the gateway refuses to
// scrape. Subdomains are blocked as well.
var DefaultBlockedDomains = []string{
	"facebook.com",
	"x.com",
	"twitter.com",
	"instagram.com",
	"linkedin.com",
	"snapchat.com",
	"tiktok.com",
	"reddit.com",
	"tumblr.com",
	"flickr.com",
	"whatsapp.com",
	"wechat.com",
	"telegram.org",
}

// DefaultAllowedKeywords exempt a URL from the blocklist when they appear
// anywhere in it (policy pages, help centres, blogs).
var DefaultAllowedKeywords = []string{
	"pulse",
	"privacy",
	"terms",
	"policy",
	"user-agreement",
	"legal",
	"help",
	"policies",
	"support",
	"contact",
	"about",
	"careers",
	"blog",
	"press",
	"conditions",
	"tos",
}

// BlockedURLMessage is returned to callers whose URL hits the blocklist.
const BlockedURLMessage = "URL is blocked. Scraping social media is currently not supported due to policy restrictions."

// Blocklist matches URLs against exact hosts and domain suffixes derived from
// configuration. A nil Blocklist blocks nothing.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
	allowed  []string
}

// NewBlocklist builds a Blocklist. Bare domains ("reddit.com") block the host
// and every subdomain; "=host" blocks only that exact host. Returns nil when no
// usable pattern is given.
func NewBlocklist(patterns []string, allowedKeywords []string) *Blocklist {
	b := &Blocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "="):
			if host := strings.TrimPrefix(value, "="); host != "" {
				b.exact[host] = struct{}{}
			}
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.addSuffix(value)
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	for _, kw := range allowedKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			b.allowed = append(b.allowed, kw)
		}
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether rawURL falls under the blocklist. Unparseable URLs
// are not blocked; validating them is the handler's job.
func (b *Blocklist) IsBlocked(rawURL string) bool {
	if b == nil {
		return false
	}
	for _, kw := range b.allowed {
		if strings.Contains(rawURL, kw) {
			return false
		}
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
