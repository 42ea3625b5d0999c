package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// IsAbsoluteHTTP reports whether raw is an absolute http or https URL with a host.
func IsAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SameHost compares the host:port of two URLs case-insensitively.
// Unparseable input never matches.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

// SanitizeFileName turns a display title into something safe for a
// Content-Disposition filename.
func SanitizeFileName(name string) string {
	replacer := strings.NewReplacer(
		" ", "_", ",", "_", "\"", "", "'", "", "/", "_", "\\", "_",
		"?", "_", "&", "_", "=", "_", ":", "_", ";", "_", "|", "_",
		"*", "_", "<", "_", ">", "_",
	)
	sanitized := replacer.Replace(name)

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return "stream"
	}
	return sanitized
}

// FormatBytes renders a byte count with binary units, e.g. "1.5 MB".
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
