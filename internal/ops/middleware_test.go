package ops

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecoveryPassThrough(t *testing.T) {
	h := recovery(discardLogger())(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}
}

func TestRecoveryRendersEnvelope(t *testing.T) {
	h := recovery(discardLogger())(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial output")
		panic("kaboom: secret detail")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "internal server error") {
		t.Errorf("body should carry the generic message, got %q", body)
	}
	if strings.Contains(body, "kaboom") || strings.Contains(body, "partial output") {
		t.Errorf("panic detail leaked to the client: %q", body)
	}
}

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		var seen string
		h := requestID(func(ctx *fasthttp.RequestCtx) {
			seen, _ = ctx.UserValue("request_id").(string)
		})

		ctx := &fasthttp.RequestCtx{}
		h(ctx)

		if _, err := uuid.Parse(seen); err != nil {
			t.Errorf("generated id %q is not a UUID: %v", seen, err)
		}
		if hdr := string(ctx.Response.Header.Peek("X-Request-ID")); hdr != seen {
			t.Errorf("response header %q does not match user value %q", hdr, seen)
		}
	})

	t.Run("client-supplied", func(t *testing.T) {
		var seen string
		h := requestID(func(ctx *fasthttp.RequestCtx) {
			seen, _ = ctx.UserValue("request_id").(string)
		})

		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("X-Request-ID", "trace-42")
		h(ctx)

		if seen != "trace-42" {
			t.Errorf("user value = %q, want trace-42", seen)
		}
		if hdr := string(ctx.Response.Header.Peek("X-Request-ID")); hdr != "trace-42" {
			t.Errorf("response header = %q, want trace-42", hdr)
		}
	})
}

func TestAccessStampsResponseTime(t *testing.T) {
	h := access(discardLogger())(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	stamp := string(ctx.Response.Header.Peek("X-Response-Time"))
	if stamp == "" {
		t.Fatal("X-Response-Time not set")
	}
	if _, err := time.ParseDuration(stamp); err != nil {
		t.Errorf("X-Response-Time %q is not a duration: %v", stamp, err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}
	for name, value := range want {
		if got := string(ctx.Response.Header.Peek(name)); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

func TestApplyMiddlewareOutermostFirst(t *testing.T) {
	var trace []string
	tag := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				trace = append(trace, name+">")
				next(ctx)
				trace = append(trace, "<"+name)
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		trace = append(trace, "handler")
	}, tag("outer"), tag("inner"))

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := []string{"outer>", "inner>", "handler", "<inner", "<outer"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}
