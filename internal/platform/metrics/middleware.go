package metrics

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// RequestMiddleware records request counts by matched route and status class.
func RequestMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.IncRequests(route, fmt.Sprintf("%dxx", c.Writer.Status()/100))
	}
}
