package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/magickapi/internal/auth"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	apiKeyKey    contextKey = "api_key"
)

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the id assigned to the request by Logger.
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// SetAPIKey stores the authenticated key in ctx.
func SetAPIKey(ctx context.Context, res *auth.Result) context.Context {
	return context.WithValue(ctx, apiKeyKey, res)
}

// GetAPIKey returns the key that authenticated the request, if any.
func GetAPIKey(r *http.Request) (*auth.Result, bool) {
	res, ok := r.Context().Value(apiKeyKey).(*auth.Result)
	return res, ok && res != nil
}
