package middleware

import (
	"meshvoice/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// TracingMiddleware continues any trace carried in the request headers and
// wraps the handler chain in a server span. Participant attributes are added
// after the chain runs, so it must be registered ahead of AuthMiddleware.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(parent, c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.remote_addr", c.ClientIP()))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if sessionID, participantID, ok := Participant(c); ok {
			span.SetAttributes(
				tracing.SessionIDKey.String(string(sessionID)),
				tracing.ParticipantIDKey.String(string(participantID)),
			)
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 || len(c.Errors) > 0 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
