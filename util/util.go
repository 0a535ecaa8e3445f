// Package util contains small helpers shared by the relay packages and tests.
package util

import "strings"

// MakeWsURL converts an http(s) URL into its ws(s) equivalent.
func MakeWsURL(url string) string {
	return strings.Replace(url, "http", "ws", 1)
}
