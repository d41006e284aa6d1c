package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace-fulfillment/internal/redisclient"
	"marketplace-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Identity headers set by the authentication collaborator in front of us
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderVendorID       = "X-Vendor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

const actorKey = "actor"

// identityMiddleware turns the trusted identity headers into a service.Actor
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(HeaderUserID), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"message": "missing or invalid " + HeaderUserID,
			})
			return
		}

		actor := service.Actor{UserID: userID, Role: service.Role(strings.ToLower(c.GetHeader(HeaderUserRole)))}
		switch actor.Role {
		case service.RoleBuyer, service.RoleAdmin:
		case service.RoleVendor:
			vendorID, err := strconv.ParseInt(c.GetHeader(HeaderVendorID), 10, 64)
			if err != nil || vendorID <= 0 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "UNAUTHENTICATED",
					"message": "vendors must send " + HeaderVendorID,
				})
				return
			}
			actor.VendorID = vendorID
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"message": "unknown role " + c.GetHeader(HeaderUserRole),
			})
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

// IdempotencyStore holds idempotency claims and the responses recorded
// against them
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (*redisclient.Claim, error)
	Complete(ctx context.Context, key, token string, resp redisclient.StoredResponse, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// captureWriter keeps a copy of the response body
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware deduplicates mutating requests that carry an
// Idempotency-Key. The first request claims the key; a repeat gets the
// recorded response back, and a repeat while the first is still running
// gets 409. Server errors release the claim so the client can retry.
func (h *Handler) idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if h.idempotency == nil || key == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		if len(key) > 128 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "VALIDATION_FAILED",
				"message": HeaderIdempotencyKey + " must be at most 128 characters",
			})
			return
		}

		scoped := fmt.Sprintf("%d:%s:%s:%s", actorFrom(c).UserID, c.Request.Method, c.Request.URL.Path, key)
		ctx := c.Request.Context()

		claim, err := h.idempotency.Claim(ctx, scoped, h.idempotencyTTL)
		if err != nil {
			h.logger.Error("Idempotency claim failed", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "IDEMPOTENCY_UNAVAILABLE",
				"message": "idempotency store unavailable, retry later",
			})
			return
		}

		switch claim.State {
		case redisclient.ClaimCompleted:
			c.Header(HeaderReplayed, "true")
			c.Data(claim.Response.Status, claim.Response.ContentType, claim.Response.Body)
			c.Abort()
			return
		case redisclient.ClaimInFlight:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "IDEMPOTENCY_KEY_IN_USE",
				"message": "a request with this idempotency key is still being processed",
			})
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// the request context may already be cancelled once the handler returns
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if w.Status() >= http.StatusInternalServerError {
			if err := h.idempotency.Release(bg, scoped, claim.Token); err != nil {
				h.logger.Warn("Failed to release idempotency claim", zap.String("key", key), zap.Error(err))
			}
			return
		}

		stored := redisclient.StoredResponse{
			Status:      w.Status(),
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if _, err := h.idempotency.Complete(bg, scoped, claim.Token, stored, h.idempotencyTTL); err != nil {
			h.logger.Warn("Failed to record idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}
