package main

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// markupSelector mirrors the loose media element lookup used when no
// structured strategy matched.
const markupSelector = "video[src], video source[src], [data-video-src], [src*='video'], [src*='mp4'], [src*='webm'], [src*='m3u8']"

var ogVideoProperties = []string{"og:video:secure_url", "og:video:url", "og:video"}

// scanMarkup searches rendered HTML for a media URL. Elements must point at a
// recognized media file; og:video meta tags are trusted as-is.
func scanMarkup(html, baseURI string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	base := baseURI
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, ok := resolveMediaURL(baseURI, href); ok {
			base = resolved
		}
	}

	var found string
	doc.Find(markupSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"src", "data-src", "data-video-src"} {
			v, ok := s.Attr(attr)
			if !ok {
				continue
			}
			if u, ok := resolveMediaURL(base, v); ok && hasMediaExtension(u) {
				found = u
				return false
			}
		}
		return true
	})
	if found != "" {
		return found, true
	}

	for _, prop := range ogVideoProperties {
		content, ok := doc.Find(`meta[property="` + prop + `"]`).First().Attr("content")
		if !ok {
			continue
		}
		if u, ok := resolveMediaURL(base, content); ok {
			return u, true
		}
	}
	return "", false
}
