// Package proxy forwards /<name>/... requests to the preview server of a
// ready iteration.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/store"
)

// Iterations is the part of the store the router reads.
type Iterations interface {
	Iteration(name string) (store.Iteration, bool)
	Touch(name string, at time.Time)
}

// Router is an http.Handler for the catch-all route.
type Router struct {
	iterations Iterations
	proxy      *httputil.ReverseProxy

	// OnResponse, if set, is called with the status code of every request
	// the router answers.
	OnResponse func(status int)
}

type targetKey struct{}

// New returns a Router that resolves names against iterations.
func New(iterations Iterations) *Router {
	rt := &Router{iterations: iterations}
	rt.proxy = &httputil.ReverseProxy{
		Rewrite:       rewrite,
		FlushInterval: -1,
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
		ErrorHandler: rt.upstreamError,
		ModifyResponse: func(resp *http.Response) error {
			rt.observe(resp.StatusCode)
			return nil
		},
	}
	return rt
}

type target struct {
	name string
	port int
	rest string
}

func rewrite(pr *httputil.ProxyRequest) {
	t := pr.In.Context().Value(targetKey{}).(target)
	pr.SetURL(&url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(t.port))})
	pr.Out.URL.Path = t.rest
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.SetXForwarded()
}

// SplitPath splits "/name/rest" into name and "/rest".
func SplitPath(p string) (name, rest string) {
	p = strings.TrimPrefix(p, "/")
	name, rest, _ = strings.Cut(p, "/")
	return name, "/" + rest
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, rest := SplitPath(r.URL.Path)
	if store.ValidateName(name) != nil {
		rt.fail(w, http.StatusNotFound, "not found")
		return
	}
	it, ok := rt.iterations.Iteration(name)
	if !ok {
		rt.fail(w, http.StatusNotFound, fmt.Sprintf("iteration %q not found", name))
		return
	}
	if it.Status != store.StatusReady || it.Port == 0 {
		rt.fail(w, http.StatusServiceUnavailable, fmt.Sprintf("iteration %q is %s", name, it.Status))
		return
	}

	rt.iterations.Touch(name, time.Now().UTC())
	ctx := context.WithValue(r.Context(), targetKey{}, target{name: name, port: it.Port, rest: rest})
	rt.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (rt *Router) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	t, _ := r.Context().Value(targetKey{}).(target)
	debug.LogKV("proxy", "upstream error", "iteration", t.name, "port", t.port, "path", t.rest, "error", err)
	if errors.Is(err, syscall.ECONNREFUSED) {
		rt.fail(w, http.StatusBadGateway, fmt.Sprintf("iteration %q is not accepting connections", t.name))
		return
	}
	rt.fail(w, http.StatusBadGateway, fmt.Sprintf("proxying to iteration %q: %v", t.name, err))
}

func (rt *Router) fail(w http.ResponseWriter, status int, msg string) {
	rt.observe(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (rt *Router) observe(status int) {
	if rt.OnResponse != nil {
		rt.OnResponse(status)
	}
}
