package jobs

import (
	"net/url"
	"strings"
)

// Platform is the hosting site of a remote URL source.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformX         Platform = "x"
	PlatformOther     Platform = "other"
)

// DisplayName is the user-facing platform name.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformTikTok:
		return "TikTok"
	case PlatformInstagram:
		return "Instagram"
	case PlatformYouTube:
		return "YouTube"
	case PlatformX:
		return "X"
	default:
		return "URL"
	}
}

var platformHosts = []struct {
	domain   string
	platform Platform
}{
	{"tiktok.com", PlatformTikTok},
	{"instagram.com", PlatformInstagram},
	{"youtube.com", PlatformYouTube},
	{"youtu.be", PlatformYouTube},
	{"twitter.com", PlatformX},
	{"x.com", PlatformX},
}

// DetectPlatform classifies a media URL by host.
func DetectPlatform(raw string) Platform {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return PlatformOther
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range platformHosts {
		if host == h.domain || strings.HasSuffix(host, "."+h.domain) {
			return h.platform
		}
	}
	return PlatformOther
}
