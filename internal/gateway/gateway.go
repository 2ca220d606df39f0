// Package gateway resolves inbound HTTP requests to a stack's declared
// gateway endpoints and invokes the bound function. Unlike a statically
// routed server, the per-stack route tables are deployed and removed at
// runtime by the scheduler.
package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/protocol"
	"github.com/synnergy-mu/cluster/internal/stack"
)

// Invoker executes a stack's function and returns its raw response body.
// Implemented by internal/runtime.Runtime in production wiring.
type Invoker interface {
	Invoke(ctx context.Context, id clusterid.StackID, assembly, functionName string, memoryLimit uint64, request []byte) ([]byte, error)
}

// UsageReporter records gateway-observed usage, independent of the
// runtime's own per-invocation accounting. traffic is the sum of the
// serialized request and response byte sizes; every call counts as one
// request.
type UsageReporter interface {
	ReportUsage(stackID clusterid.StackID, traffic uint64)
}

type stackRoutes struct {
	stack     stack.Validated
	gateways  map[string]stack.Gateway
	functions map[string]stack.Function
}

// Config configures a Gateway's shared rate limit.
type Config struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func (c Config) withDefaults() Config {
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 200
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
	return c
}

// Gateway is the node-local HTTP entry point: it holds every locally-known
// stack's route tables and dispatches matching requests to Invoker.
type Gateway struct {
	cfg     Config
	invoker Invoker
	usage   UsageReporter
	log     *logrus.Entry

	limiter *rate.Limiter

	mu     sync.RWMutex
	routes map[clusterid.StackID]stackRoutes

	router chi.Router
}

// New builds a Gateway and its chi router. The router answers every path
// under "/{stack_id}/{gateway_name}/*"; resolution below that point is
// fully dynamic, driven by DeployGateways/DeleteGateways.
func New(cfg Config, invoker Invoker, usage UsageReporter) *Gateway {
	g := &Gateway{
		cfg:     cfg.withDefaults(),
		invoker: invoker,
		usage:   usage,
		log:     logrus.WithField("component", "gateway"),
		routes:  make(map[clusterid.StackID]stackRoutes),
	}
	g.limiter = rate.NewLimiter(rate.Limit(g.cfg.RateLimitPerSecond), g.cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.HandleFunc("/{stackID}/{gatewayName}/*", g.serveHTTP)
	g.router = r
	return g
}

// ServeHTTP satisfies http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.router.ServeHTTP(w, r) }

// DeployGateways registers every Gateway service in v, keyed by stack id and
// gateway name, replacing any prior route table for the same stack.
func (g *Gateway) DeployGateways(_ context.Context, v stack.Validated) error {
	gateways := make(map[string]stack.Gateway)
	functions := make(map[string]stack.Function)
	for _, svc := range v.Services {
		if svc.Gateway != nil {
			gateways[svc.Gateway.Name] = *svc.Gateway
		}
		if svc.Function != nil {
			functions[svc.Function.Name] = *svc.Function
		}
	}

	g.mu.Lock()
	g.routes[v.ID] = stackRoutes{stack: v, gateways: gateways, functions: functions}
	g.mu.Unlock()
	return nil
}

// DeleteGateways removes every route registered for the stack.
func (g *Gateway) DeleteGateways(_ context.Context, id clusterid.StackID) error {
	g.mu.Lock()
	delete(g.routes, id)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	stackIDStr := chi.URLParam(r, "stackID")
	gatewayName := chi.URLParam(r, "gatewayName")
	remainder := chi.URLParam(r, "*")

	id, err := clusterid.ParseStackID(stackIDStr)
	if err != nil {
		g.respondStatus(w, r, clusterid.StackID{}, http.StatusNotFound)
		return
	}

	g.mu.RLock()
	sr, ok := g.routes[id]
	g.mu.RUnlock()
	if !ok {
		g.respondStatus(w, r, id, http.StatusNotFound)
		return
	}

	gw, ok := sr.gateways[gatewayName]
	if !ok {
		g.respondStatus(w, r, id, http.StatusNotFound)
		return
	}

	target, pathParams, ok := matchEndpoint(gw.Endpoints, stack.HTTPMethod(r.Method), "/"+remainder)
	if !ok {
		g.respondStatus(w, r, id, http.StatusNotFound)
		return
	}

	fn, ok := sr.functions[target.Function]
	if !ok {
		g.respondStatus(w, r, id, http.StatusInternalServerError)
		return
	}

	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		g.respondStatus(w, r, id, http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil {
		g.respondStatus(w, r, id, http.StatusBadRequest)
		return
	}
	fnReq, err := protocol.EncodeFunctionRequest(protocol.FunctionRequest{
		Method:     r.Method,
		Path:       "/" + remainder,
		PathParams: pathParams,
		Query:      map[string][]string(r.URL.Query()),
		Headers:    map[string][]string(r.Header),
		Body:       buf,
	})
	if err != nil {
		g.respondStatus(w, r, id, http.StatusInternalServerError)
		return
	}

	resp, err := g.invoker.Invoke(r.Context(), id, target.Assembly, target.Function, fn.MemoryLimit, fnReq)
	if err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{"stack": id.String(), "function": target.Function}).Warn("invocation failed")
		g.respondStatus(w, r, id, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
	g.reportUsage(id, requestSize(r, buf)+uint64(len(resp)))
}

// respondStatus writes the gateway-level error body: clients only ever see
// the status text, never internals.
func (g *Gateway) respondStatus(w http.ResponseWriter, r *http.Request, id clusterid.StackID, status int) {
	http.Error(w, http.StatusText(status), status)
	g.reportUsage(id, requestSize(r, nil)+uint64(len(http.StatusText(status))))
}

func (g *Gateway) reportUsage(id clusterid.StackID, traffic uint64) {
	if g.usage != nil {
		g.usage.ReportUsage(id, traffic)
	}
}

// requestSize approximates the serialized size of r for usage accounting:
// the request line, headers, and query string, plus an already-drained
// body (bodyOverride, since r.Body can only be read once).
func requestSize(r *http.Request, bodyOverride []byte) uint64 {
	var n uint64
	n += uint64(len(r.Method) + len(r.URL.Path) + len(r.URL.RawQuery))
	for name, vals := range r.Header {
		for _, v := range vals {
			n += uint64(len(name) + len(v))
		}
	}
	n += uint64(len(bodyOverride))
	return n
}

// matchEndpoint finds the endpoint template matching path and returns its
// method-bound target, comparing segment-by-segment the same way
// stack.Validate checks templates: a literal segment must match exactly, a
// "{name}" segment matches any single path segment.
func matchEndpoint(endpoints map[string]map[stack.HTTPMethod]stack.GatewayTarget, method stack.HTTPMethod, path string) (stack.GatewayTarget, map[string]string, bool) {
	reqSegs := splitPath(path)
	for template, methods := range endpoints {
		tmplSegs := splitPath(template)
		if len(tmplSegs) != len(reqSegs) {
			continue
		}
		params, ok := extractParams(tmplSegs, reqSegs)
		if !ok {
			continue
		}
		target, ok := methods[method]
		if !ok {
			continue
		}
		return target, params, true
	}
	return stack.GatewayTarget{}, nil, false
}

// extractParams reports whether every literal segment of tmpl matches the
// corresponding segment of req, and returns the bindings collected from
// every "{name}" segment along the way.
func extractParams(tmpl, req []string) (map[string]string, bool) {
	var params map[string]string
	for i, seg := range tmpl {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if params == nil {
				params = make(map[string]string, len(tmpl))
			}
			params[seg[1:len(seg)-1]] = req[i]
			continue
		}
		if seg != req[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
