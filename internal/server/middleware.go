package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/recurbill/internal/observability/context"
	"github.com/smallbiznis/recurbill/internal/ownercontext"
	"github.com/smallbiznis/recurbill/pkg/telemetry/correlation"
)

// HeaderOwner carries the owning account ID set by the upstream authenticator.
const HeaderOwner = "X-Owner-ID"

// Correlation propagates or mints the correlation id for the request.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := strings.TrimSpace(c.GetHeader(correlation.Header)); id != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, id)
		}
		ctx, id := correlation.EnsureCorrelationID(ctx)
		c.Header(correlation.Header, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OwnerRequired scopes the request to the owner named in X-Owner-ID.
func OwnerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOwner))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		ownerID, err := snowflake.ParseString(raw)
		if err != nil || ownerID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := ownercontext.WithOwnerID(c.Request.Context(), ownerID)
		ctx = obscontext.WithOwnerID(ctx, ownerID.String())
		ctx = obscontext.WithActor(ctx, "owner", ownerID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
