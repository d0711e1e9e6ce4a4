package gateway

import (
	"context"
	"net/http"
	"time"
)

// Stage is one step of the request pipeline.
type Stage func(next http.Handler) http.Handler

// Chain composes stages around h. The first stage sees the request first.
func Chain(h http.Handler, stages ...Stage) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// RequestInfo is the request-scoped state shared between stages.
type RequestInfo struct {
	RequestID  string
	Identifier string
	Path       string
	Method     string
	Callback   bool
	Limited    bool
	Start      time.Time

	// err carries a WrapFunc handler's error back out through the chain.
	err error
}

type infoKey struct{}

func withInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFrom returns the gateway state attached to a request context.
func InfoFrom(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(infoKey{}).(*RequestInfo)
	return info, ok
}
