// Package proxy is the interception host adapter: a MITM proxy that decodes
// each HTTP exchange and invokes the capture hooks. The capture core never
// sees a goproxy type; it gets an Exchange with copied-out data.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/elazarl/goproxy"
	"github.com/mediacap/mediacap/internal/capture"
	"github.com/mediacap/mediacap/internal/logctx"
)

// Hooks is the slice of the orchestrator the host calls into.
type Hooks interface {
	HandleRequest(header http.Header)
	HandleResponse(ctx context.Context, e *capture.Exchange)
}

// NewServer builds the proxy handler. Every intercepted response is passed to
// the hooks synchronously; the hooks own staying off the network on that path.
func NewServer(ctx context.Context, hooks Hooks) *goproxy.ProxyHttpServer {
	logger := logctx.LoggerFromContext(ctx)

	p := goproxy.NewProxyHttpServer()
	p.OnRequest().HandleConnect(goproxy.AlwaysMitm)

	p.OnRequest().DoFunc(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		hooks.HandleRequest(r.Header)

		return r, nil
	})

	p.OnResponse().DoFunc(func(resp *http.Response, pctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil || pctx.Req == nil {
			return resp
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Error("capture hook panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			logger.Warn("failed to read response body", "url", pctx.Req.URL.String(), "err", err)
			resp.Body = io.NopCloser(bytes.NewReader(body))

			return resp
		}

		// The client still gets the full entity; the capture side works on a
		// copy that outlives this call.
		resp.Body = io.NopCloser(bytes.NewReader(body))

		e := &capture.Exchange{
			URL:           pctx.Req.URL.String(),
			Status:        resp.StatusCode,
			RequestHeader: pctx.Req.Header.Clone(),
			Header:        resp.Header.Clone(),
			Body:          append([]byte(nil), body...),
		}

		hooks.HandleResponse(ctx, e)

		return resp
	})

	return p
}
