package ops

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/parleybot/parley/pkg/apierr"
)

// middleware wraps a handler with cross-cutting behaviour.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

const (
	headerRequestID = "X-Request-ID"

	// requestIDKey is the UserValue slot the access log reads the id from.
	requestIDKey = "request_id"
)

// recovery converts a handler panic into a 500 envelope instead of a
// dropped connection. The panic value never reaches the client.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.WriteInternal(ctx, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID threads an X-Request-ID through the request: the client's own
// id when supplied, a fresh UUID otherwise.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// access stamps X-Response-Time on the response and emits a debug access
// line per request. Runs inside requestID so the line carries the id.
func access(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			elapsed := time.Since(start)
			ctx.Response.Header.Set("X-Response-Time", elapsed.String())

			id, _ := ctx.UserValue(requestIDKey).(string)
			log.Debug("http_request",
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.Duration("elapsed", elapsed),
				slog.String(requestIDKey, id),
			)
		}
	}
}

// securityHeaders hardens every response. The surface serves no HTML, so
// the CSP denies everything.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// applyMiddleware composes the chain. The first middleware listed becomes
// the outermost wrapper, so requests traverse the list left to right.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
