// internal/pipeline/target.go
package pipeline

import (
	"fmt"
	"strings"
)

const (
	tagsPath     = "/api/tags"
	generatePath = "/api/generate"
)

// targetURL builds a URL for a candidate host, respecting an already
// provided scheme or port.
func targetURL(host string, port int, path string) string {
	var base string
	switch {
	case strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://"):
		base = strings.TrimRight(host, "/")
	case strings.Count(host, ":") == 1:
		// host already carries a port
		base = "http://" + host
	default:
		base = fmt.Sprintf("http://%s:%d", host, port)
	}
	return base + path
}
