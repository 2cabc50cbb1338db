package cache

import "fmt"

// RateLimitKey is the counter key for requests made with one API key.
func RateLimitKey(keyID string) string {
	return fmt.Sprintf("ratelimit:%s", keyID)
}
