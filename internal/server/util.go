package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/datalayer/mcp-compose/internal/composer"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates server and component names taken from the path.
func isSafeName(s string) bool { return composer.ValidName(s) }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// writeRaw writes an already-encoded JSON document.
func writeRaw(c *gin.Context, code int, b json.RawMessage) {
	if len(b) == 0 {
		b = json.RawMessage("null")
	}
	c.Data(code, "application/json", b)
}
