package middleware

import (
	"net/http"
	"time"

	"github.com/zjoart/go-estate-crowdfund/internal/user"
	"github.com/zjoart/go-estate-crowdfund/pkg/events"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
	"github.com/zjoart/go-estate-crowdfund/pkg/utils"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	maxIdempotencyKey = 255
)

func idempotencyClaimKey(scope, key string) string {
	return "idempotency:" + scope + ":" + key
}

// Idempotency rejects a replayed Idempotency-Key with 409. Requests without
// the header pass through. A claim whose request ends in a server error is
// released so the client can retry with the same key.
func Idempotency(redisClient *events.RedisClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				utils.BuildErrorResponse(w, http.StatusBadRequest, "Idempotency-Key is too long", nil)
				return
			}

			scope := "anonymous"
			if usr, ok := r.Context().Value(utils.UserKey).(user.User); ok {
				scope = usr.ID.String()
			}
			claimKey := idempotencyClaimKey(scope, r.Method+" "+r.URL.Path+" "+key)

			claimed, err := redisClient.Claim(r.Context(), claimKey, idempotencyTTL)
			if err != nil {
				logger.Error("Failed to claim idempotency key", logger.WithError(err))
				utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to process request", nil)
				return
			}
			if !claimed {
				utils.BuildErrorResponse(w, http.StatusConflict, "Duplicate request", nil)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			if rw.status >= http.StatusInternalServerError {
				if err := redisClient.Release(r.Context(), claimKey); err != nil {
					logger.Warn("Failed to release idempotency key", logger.WithError(err))
				}
			}
		})
	}
}
