package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// CacheKey joins a namespace and its parts into a stable cache key. Parts are
// trimmed and lower-cased so "Germany" and " germany" share an entry.
func CacheKey(namespace string, parts ...string) string {
	normalized := make([]string, 0, len(parts)+1)
	normalized = append(normalized, namespace)
	for _, p := range parts {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(p)))
	}
	return strings.Join(normalized, ":")
}

// Truncate keeps at most n characters (runes) of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
