// Package urlutil provides URL validation, hashing, and link filtering for
// the crawl frontier. Hashing is deterministic so that the same URL always
// maps to the same crawl record row.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var (
	errEmptyInput    = errors.New("validate url: empty input")
	errNotAbsolute   = errors.New("validate url: missing scheme or host")
	errInvalidScheme = errors.New("validate url: scheme must be http or https")
)

// jsKeywords are URL substrings that suggest client-side rendering.
// A match routes the URL through the headless renderer when it is enabled.
var jsKeywords = []string{
	"spa", "react", "angular", "vue", "app", "dashboard",
	"admin", "portal", "ajax", "api", "json",
}

// skippedExtensions lists path extensions excluded from frontier enqueueing.
// Binary and asset URLs are fetched nowhere in the pipeline.
var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {}, ".zip": {}, ".rar": {}, ".tar": {},
	".gz": {}, ".exe": {}, ".dmg": {}, ".png": {}, ".jpg": {},
	".jpeg": {}, ".gif": {}, ".bmp": {}, ".svg": {}, ".webp": {},
	".ico": {}, ".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".wmv": {}, ".flv": {}, ".wav": {}, ".css": {}, ".js": {},
	".xml": {}, ".rss": {},
}

// Validate checks that rawURL is an absolute http(s) URL.
func Validate(rawURL string) error {
	if rawURL == "" {
		return errEmptyInput
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("validate url: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return errNotAbsolute
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errInvalidScheme
	}

	return nil
}

// Host returns the hostname (without port) of a URL, lowercased.
func Host(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("extract host: %w", err)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", errNotAbsolute
	}

	return host, nil
}

// Hash returns the hex-encoded SHA-256 digest of the URL string.
// The result is always 64 characters long.
func Hash(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// NeedsRendering reports whether the URL matches the JS-rendering heuristic.
// The test is a case-insensitive substring match against a fixed keyword list.
func NeedsRendering(rawURL string) bool {
	lowered := strings.ToLower(rawURL)
	for _, kw := range jsKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}

	return false
}

// SkipExtension reports whether the URL path ends in an excluded extension.
func SkipExtension(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	ext := strings.ToLower(path.Ext(parsed.Path))
	if ext == "" {
		return false
	}

	_, skip := skippedExtensions[ext]

	return skip
}

// Resolve resolves a possibly-relative href against a base URL and returns
// the absolute form. Fragments are dropped.
func Resolve(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("resolve link: parse base: %w", err)
	}

	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("resolve link: parse href: %w", err)
	}

	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""

	return resolved.String(), nil
}
