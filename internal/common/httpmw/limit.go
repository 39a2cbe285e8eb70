package httpmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimit bounds the number of in-flight requests for the routes it
// wraps. Requests over the limit are rejected immediately with 503 and a
// Retry-After hint rather than queued, so a slow downstream cannot pile up
// goroutines at the edge.
func ConcurrencyLimit(maxInflight int64, retryAfter int) gin.HandlerFunc {
	sem := semaphore.NewWeighted(maxInflight)

	return func(c *gin.Context) {
		if !sem.TryAcquire(1) {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"code":    "transient",
				"message": "server is at capacity, retry later",
			})
			return
		}
		defer sem.Release(1)

		c.Next()
	}
}
