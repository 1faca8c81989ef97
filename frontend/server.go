// HTTP front end
// Administrative surface plus the request proxy

package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kelub/hashlb/balancer"
	"kelub/hashlb/identity"
)

const (
	statusSuccessful = "successful"
	statusFailure    = "failure"

	msgTooManyToAdd    = "<Error> Length of hostname list is more than newly added instances"
	msgTooManyToRemove = "<Error> Length of hostname list is more than removable instances"
	msgNoReplicas      = "<Error> No server replicas available"
)

type capacityRequest struct {
	N         int      `json:"n"`
	Hostnames []string `json:"hostnames"`
}

type Server struct {
	opts       *Options
	balancer   *balancer.Balancer
	registry   *balancer.Registry
	forwarder  Forwarder
	identities *identity.ClientMgr
	engine     *gin.Engine
}

// NewServer wires the handlers. ids may be nil, then /identities is not served.
func NewServer(opts *Options, b *balancer.Balancer, f Forwarder, ids *identity.ClientMgr) *Server {
	s := &Server{
		opts:       opts,
		balancer:   b,
		registry:   b.Registry(),
		forwarder:  f,
		identities: ids,
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery(), logger())
	s.engine.GET("/rep", s.replicas)
	s.engine.POST("/add", s.add)
	s.engine.DELETE("/rm", s.remove)
	s.engine.GET("/status", s.status)
	if ids != nil {
		s.engine.GET("/identities", s.identify)
	}
	s.engine.NoRoute(s.route)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.HTTPAddress, strconv.Itoa(s.opts.HTTPPort))
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "Server.Run",
		"addr":      addr,
	})
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		logEntry.Infof("start http server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logEntry.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"func_name": "http",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Debug("served")
	}
}

func failure(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"message": msg, "status": statusFailure})
}

func (s *Server) pool() gin.H {
	hosts := s.registry.Hostnames()
	return gin.H{"N": len(hosts), "replicas": hosts}
}

func (s *Server) replicas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": s.pool(), "status": statusSuccessful})
}

// bindCapacity treats an empty body as n = 0.
func bindCapacity(c *gin.Context) (capacityRequest, bool) {
	var req capacityRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, fmt.Sprintf("<Error> Invalid request body: %v", err))
		return req, false
	}
	return req, true
}

func (s *Server) capacityContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.opts.ProvisionTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.opts.ProvisionTimeout)
}

func (s *Server) add(c *gin.Context) {
	req, ok := bindCapacity(c)
	if !ok {
		return
	}
	ctx, cancel := s.capacityContext(c)
	defer cancel()

	res, err := s.registry.AddCapacity(ctx, req.N, req.Hostnames)
	switch {
	case errors.Is(err, balancer.ErrTooManyHostnames):
		failure(c, http.StatusBadRequest, msgTooManyToAdd)
		return
	case err != nil:
		failure(c, http.StatusBadRequest, "<Error> "+err.Error())
		return
	}
	// readiness probes of failed backends may have left a client behind
	if s.identities != nil {
		for _, f := range res.Failures {
			if f.Hostname != "" && !errors.Is(f.Err, balancer.ErrHostExists) {
				s.identities.DeleteCache(s.rpcAddr(f.Hostname))
			}
		}
	}
	msg := s.pool()
	msg["added"] = res.Added
	if len(res.Failures) > 0 {
		msg["failures"] = res.Failures
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "status": statusSuccessful})
}

func (s *Server) remove(c *gin.Context) {
	req, ok := bindCapacity(c)
	if !ok {
		return
	}
	ctx, cancel := s.capacityContext(c)
	defer cancel()

	res, err := s.registry.RemoveCapacity(ctx, req.N, req.Hostnames)
	switch {
	case errors.Is(err, balancer.ErrTooManyHostnames):
		failure(c, http.StatusBadRequest, msgTooManyToRemove)
		return
	case err != nil:
		failure(c, http.StatusBadRequest, "<Error> "+err.Error())
		return
	}
	if s.identities != nil {
		for _, h := range res.Removed {
			s.identities.DeleteCache(s.rpcAddr(h))
		}
	}
	msg := s.pool()
	msg["removed"] = res.Removed
	if len(res.Failures) > 0 {
		msg["failures"] = res.Failures
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "status": statusSuccessful})
}

func (s *Server) status(c *gin.Context) {
	msg := gin.H{"registry": s.registry.Status()}
	if c.Query("slots") == "true" {
		msg["slots"] = s.registry.Occupancy()
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "status": statusSuccessful})
}

func (s *Server) rpcAddr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(s.opts.RPCPort))
}

// identify probes every live backend and reports whether it answers as the
// host it is registered under.
func (s *Server) identify(c *gin.Context) {
	hosts := s.registry.Hostnames()
	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = s.rpcAddr(h)
	}
	probed := s.identities.Identities(c.Request.Context(), addrs)

	type entry struct {
		identity.Result
		Match bool `json:"match"`
	}
	out := make(map[string]entry, len(hosts))
	for i, h := range hosts {
		r := probed[addrs[i]]
		out[h] = entry{Result: r, Match: r.Identity == h}
	}
	c.JSON(http.StatusOK, gin.H{"message": out, "status": statusSuccessful})
}

func (s *Server) route(c *gin.Context) {
	if c.Request.Method != http.MethodGet {
		failure(c, http.StatusNotFound, "<Error> Not found")
		return
	}
	rt, err := s.balancer.Route(c.Request)
	if err != nil {
		failure(c, http.StatusInternalServerError, msgNoReplicas)
		return
	}
	logrus.WithFields(logrus.Fields{
		"func_name": "route",
		"path":      c.Request.URL.Path,
	}).Infof("[ROUTE] Request %d -> %s (node_id: %d)", rt.Key, rt.Hostname, rt.NodeID)

	resp, err := s.forwarder.Forward(c.Request.Context(), rt.Hostname, c.Request.URL.RequestURI())
	if err != nil {
		failure(c, http.StatusInternalServerError, fmt.Sprintf("<Error> Failed to route to %s: %v", rt.Hostname, err))
		return
	}
	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}
