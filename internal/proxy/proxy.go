// Package proxy forwards /api and /admin requests to the backend chat service.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/egolab/egolab-web/internal/api"
)

// New returns a reverse proxy to backendURL. The Host header is rewritten to
// the backend's. Upstream failures become a 500 JSON error.
func New(backendURL string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("backend url %q must include scheme and host", backendURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			logger.Debug("Proxying request",
				"method", pr.In.Method,
				"path", pr.In.URL.Path,
				"backend", target.Host,
			)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("Proxy error", "method", r.Method, "path", r.URL.Path, "error", err)
			api.JSON(w, http.StatusInternalServerError, map[string]string{
				"error":   "Proxy error",
				"message": err.Error(),
			})
		},
	}
	return rp, nil
}
