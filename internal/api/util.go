package api

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tapline/internal/config"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName validates component ids. Allowed characters: A-Z a-z 0-9 . _ -
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// formatOf picks the config format from the format query parameter, falling
// back to the request content type.
func formatOf(query, contentType string) (config.Format, bool) {
	switch strings.ToLower(strings.TrimSpace(query)) {
	case "toml":
		return config.FormatTOML, true
	case "yaml", "yml":
		return config.FormatYAML, true
	case "json":
		return config.FormatJSON, true
	case "":
	default:
		return "", false
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return config.FormatJSON, true
	case strings.Contains(ct, "yaml"):
		return config.FormatYAML, true
	default:
		return config.FormatTOML, true
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
