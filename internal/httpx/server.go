package httpx

import (
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// PersonaProxy is the middleware-mode reverse proxy: it resolves the
// visitor first, then forwards the request upstream with the decision
// headers stamped on, so the origin can render the matching variant
// without running any resolution logic itself.
type PersonaProxy struct {
	destination string
	client      *http.Client
	env         Env
}

func NewPersonaProxy(destination string, env Env) *PersonaProxy {
	return &PersonaProxy{
		destination: destination,
		env:         env,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *PersonaProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	targetURL, err := url.Parse(p.destination)
	if err != nil {
		log.Printf("proxy: invalid destination URL: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	res := p.env.Resolver.Resolve(r.Context(), r)
	p.env.emitResolution(r, res)

	if res.RateLimited {
		applyDecisionHeaders(w.Header(), res)
		writeRateLimited(w)
		return
	}

	targetURL.Path = r.URL.Path
	targetURL.RawQuery = r.URL.RawQuery
	// Variant strategies rewrite the upstream path; the visitor's URL is
	// untouched.
	if res.Decision.ShouldRewrite && res.Decision.TargetPath != "" {
		targetURL.Path = res.Decision.TargetPath
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		log.Printf("proxy: failed to create request: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	// The origin reads the same headers a CDN worker would.
	applyDecisionHeaders(proxyReq.Header, res)
	proxyReq.Host = targetURL.Host

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		log.Printf("proxy: request to %s failed: %v", targetURL.String(), err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	applyDecisionHeaders(w.Header(), res)

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("proxy: failed to copy response body: %v", err)
	}
}

// MiddlewareRouter serves the service's own routes and proxies everything
// else to the destination.
type MiddlewareRouter struct {
	serviceMux *http.ServeMux
	proxy      *PersonaProxy
}

func NewMiddlewareRouter(serviceMux *http.ServeMux, destination string, env Env) *MiddlewareRouter {
	return &MiddlewareRouter{
		serviceMux: serviceMux,
		proxy:      NewPersonaProxy(destination, env),
	}
}

func (m *MiddlewareRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isServicePath(r.URL.Path) {
		m.serviceMux.ServeHTTP(w, r)
		return
	}
	m.proxy.ServeHTTP(w, r)
}

func isServicePath(path string) bool {
	// /metrics is deliberately absent: it lives on the dedicated metrics
	// listener, so an origin serving its own /metrics stays reachable.
	servicePaths := []string{
		"/healthz",
		"/readyz",
		"/v1/decide",
		"/v1/personalization/health",
		"/v1/personalization/reset",
		"/v1/personalization/invalidate",
	}
	for _, servicePath := range servicePaths {
		if path == servicePath {
			return true
		}
	}
	return false
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/v1/decide", e.Decide)
	mux.HandleFunc("/v1/personalization/health", e.PersonalizationHealth)
	mux.HandleFunc("/v1/personalization/reset", e.PersonalizationReset)
	mux.HandleFunc("/v1/personalization/invalidate", e.PersonalizationInvalidate)

	// If middleware mode is enabled and we have a destination, wrap with proxy
	if e.Cfg.MiddlewareMode && e.Cfg.ForwardDestination != "" {
		if _, err := url.Parse(e.Cfg.ForwardDestination); err != nil {
			log.Printf("WARNING: Invalid FORWARD_DESTINATION URL: %v. Middleware mode disabled.", err)
			return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
		}

		log.Printf("Middleware mode enabled, forwarding to: %s", e.Cfg.ForwardDestination)
		router := NewMiddlewareRouter(mux, e.Cfg.ForwardDestination, e)
		return RequestLogger(MetricsMiddleware(e.Metrics)(cors(router)))
	}

	if e.Cfg.MiddlewareMode && e.Cfg.ForwardDestination == "" {
		log.Printf("WARNING: MIDDLEWARE_MODE=true but FORWARD_DESTINATION is empty. Middleware mode disabled.")
	}

	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
}
