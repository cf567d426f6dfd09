package middleware

import (
	"heatersync/internal/idgen"

	"github.com/gin-gonic/gin"
)

const RequestIDKey = "X-Request-ID"

const maxRequestIDLength = 128

// RequestID tags each request with an id. A well-formed id sent by the
// caller is kept, otherwise a new one is generated. The id also travels in
// the request context so remote calls made on its behalf can be correlated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if !validRequestID(requestID) {
			requestID = idgen.New()
		}
		c.Header(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)
		c.Request = c.Request.WithContext(idgen.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// validRequestID accepts printable ASCII up to maxRequestIDLength
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
