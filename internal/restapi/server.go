// Package restapi implements the external REST surface of §6.3 over
// httprouter, translating pserrors kinds to HTTP status per §7 and the
// §6.1/§6.2 wire formats to/from the pkg/subscription model. Grounded on
// the teacher's controller/tap/apiserver.go (httprouter wiring, wrapped
// with telemetry) and controller/api/public/http_server.go (handler/error
// rendering split).
package restapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/linkerd/pubsubd/internal/dispatch"
	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/propagation"
	"github.com/linkerd/pubsubd/internal/registry"
	"github.com/linkerd/pubsubd/internal/telemetry"
	"github.com/linkerd/pubsubd/pkg/uri"
	"github.com/sirupsen/logrus"
)

// Server implements the REST surface of §6.3.
type Server struct {
	router       *httprouter.Router
	reg          *registry.Registry
	dispatcher   *dispatch.Dispatcher
	propagator   *propagation.Propagator
	selfURI      uri.URI
	publishToken string
	log          *logrus.Entry
}

// NewServer builds a Server and the *http.Server/net.Listener pair to run
// it on, in the shape of the teacher's NewAPIServer constructors.
// publishToken is the shared bearer token required on POST /publish (§6.3).
func NewServer(addr string, selfURI uri.URI, reg *registry.Registry, dispatcher *dispatch.Dispatcher, propagator *propagation.Propagator, publishToken string) (*http.Server, net.Listener, error) {
	s := &Server{
		router:       httprouter.New(),
		reg:          reg,
		dispatcher:   dispatcher,
		propagator:   propagator,
		selfURI:      selfURI,
		publishToken: publishToken,
		log:          log.WithComponent("restapi"),
	}
	s.router.POST("/subscribers", s.handleSubscribersPost)
	s.router.GET("/subscribers", s.handleSubscribersGetCombined)
	s.router.GET("/subscribers/:location", s.handleSubscriberGet)
	s.router.PUT("/subscribers/:location", s.handleSubscriberPut)
	s.router.DELETE("/subscribers/:location", s.handleSubscriberDelete)
	s.router.POST("/publish", s.handlePublish)
	s.router.GET("/diagnostics/subscriptions", s.handleDiagnostics)

	wrapped := telemetry.WithTelemetry(routeLabeler{s})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           wrapped,
		ReadHeaderTimeout: 15 * time.Second,
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	return httpServer, lis, nil
}

// ServeHTTP implements http.Handler by delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routeLabeler adapts Server to telemetry.RouteLabeler so /metrics reports
// low-cardinality route labels (e.g. "GET /subscribers/:location") instead of
// one series per distinct location.
type routeLabeler struct{ s *Server }

func (rl routeLabeler) ServeHTTP(w http.ResponseWriter, r *http.Request) { rl.s.ServeHTTP(w, r) }

func (rl routeLabeler) RouteLabel(r *http.Request) string {
	path := r.URL.Path
	if _, params, ok := rl.s.router.Lookup(r.Method, r.URL.Path); ok {
		for _, p := range params {
			path = strings.Replace(path, p.Value, ":"+p.Key, 1)
		}
	}
	return r.Method + " " + path
}
