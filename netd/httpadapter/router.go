// Package httpadapter provides the gorilla/mux-based HTTP router that the
// migration middleware mounts its endpoint table onto, translating the
// path-variable patterns carried by a migration endpoint key (e.g.
// "/nodes/{node}/network") into dispatch routes.
package httpadapter

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/pvenet/pve-network-go/shared/logger"
)

// Endpoint binds one path pattern to one or more HTTP method handlers.
// Path follows gorilla/mux's {name} placeholder syntax, the same syntax
// the migration endpoint table uses to key its per-path configuration.
type Endpoint struct {
	Path    string
	Methods map[string]http.HandlerFunc
}

// Router wraps a *mux.Router, following a restServer/clusterCmd-style
// endpoint-table pattern: a router is built once, endpoints are
// registered in a loop, and a catch-all NotFoundHandler logs misses.
type Router struct {
	mux *mux.Router
}

// NewRouter returns an empty Router ready for endpoint registration.
func NewRouter() *Router {
	m := mux.NewRouter()
	m.StrictSlash(false)
	m.SkipClean(true)
	m.UseEncodedPath()

	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Warn("no route for request", logger.Ctx{"method": r.Method, "path": r.URL.Path})
		http.NotFound(w, r)
	})
	// A known path requested with an unregistered method is a miss too.
	m.MethodNotAllowedHandler = m.NotFoundHandler

	return &Router{mux: m}
}

// Register mounts every method handler of an Endpoint at its Path.
func (r *Router) Register(endpoints ...Endpoint) {
	for _, ep := range endpoints {
		for method, handler := range ep.Methods {
			r.mux.Path(ep.Path).Methods(method).HandlerFunc(handler)
		}
	}
}

// Handle registers a single method/pattern/handler triple directly,
// without going through an Endpoint table.
func (r *Router) Handle(method, pattern string, handler http.HandlerFunc) {
	r.mux.Path(pattern).Methods(method).HandlerFunc(handler)
}

// ServeHTTP implements http.Handler so a Router can be passed straight to
// http.Server.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Vars extracts the path variables matched for req (e.g. "node", "zone"),
// unescaping each value the way cluster handlers commonly unescape
// mux.Vars(r)["name"] before using it.
func Vars(req *http.Request) (map[string]string, error) {
	raw := mux.Vars(req)
	out := make(map[string]string, len(raw))

	for k, v := range raw {
		unescaped, err := url.PathUnescape(v)
		if err != nil {
			return nil, err
		}

		out[k] = unescaped
	}

	return out, nil
}
