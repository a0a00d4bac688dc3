package main

import (
	"net/url"
	"path"
	"strings"
)

var mediaExtensions = map[string]bool{
	"mp4":  true,
	"m4v":  true,
	"webm": true,
	"ogg":  true,
	"ogv":  true,
	"mov":  true,
	"mkv":  true,
	"m3u8": true,
	"mpd":  true,
	"ts":   true,
}

// getFileExtension returns the lowercased extension of the URL path,
// ignoring query string and fragment.
func getFileExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func hasMediaExtension(rawURL string) bool {
	return mediaExtensions[getFileExtension(rawURL)]
}

// resolveMediaURL resolves ref against base and returns it only if it is a
// fetchable http(s) URL.
func resolveMediaURL(base, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if !refURL.IsAbs() && base != "" {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		refURL = baseURL.ResolveReference(refURL)
	}
	switch refURL.Scheme {
	case "http", "https":
	default:
		return "", false
	}
	if refURL.Host == "" {
		return "", false
	}
	return refURL.String(), true
}

// validateTarget checks that a caller-supplied page URL is navigable.
func validateTarget(target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return ErrInvalidTarget
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidTarget
	}
	return nil
}
