package buildcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

// DefaultPort is where the cache server listens on the loopback interface.
const DefaultPort = 8100

// response is the wire format of the cache server.
type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Build   *Build `json:"build,omitempty"`
}

// Server serves cached builds to the worker subprocesses on this host.
type Server struct {
	cache *Cache
	srv   *http.Server
}

// NewServer returns a Server for cache listening on the loopback port.
func NewServer(cache *Cache, port int) *Server {
	s := &Server{cache: cache}
	r := chi.NewRouter()
	r.Get("/build", s.handleGet)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: r,
	}
	return s
}

// Start begins serving on a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sklog.Errorf("Build cache server failed: %s", err)
		}
	}()
}

// Shutdown stops the server, waiting for in flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return skerr.Wrap(s.srv.Shutdown(ctx))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	buildURL := r.URL.Query().Get("url")
	if buildURL == "" {
		httpError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	enableUnittests := r.URL.Query().Get("enable_unittests") == "1"
	force := r.URL.Query().Get("force") == "1"
	build, err := s.cache.Get(r.Context(), buildURL, enableUnittests, force)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		sklog.Errorf("Build cache get %s: %s", buildURL, err)
		writeJSON(w, response{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, response{Success: true, Build: build})
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, response{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, resp response) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sklog.Errorf("Failed writing build cache response: %s", err)
	}
}

// Client fetches builds through a cache server. Workers hold one each.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a Client for the cache server on the loopback port.
// Downloads can take a while so the request timeout is generous.
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: 30 * time.Minute},
	}
}

// Get resolves buildURL to cached build metadata, downloading on the server
// side if necessary.
func (c *Client) Get(ctx context.Context, buildURL string, enableUnittests, force bool) (*Build, error) {
	q := url.Values{}
	q.Set("url", buildURL)
	if enableUnittests {
		q.Set("enable_unittests", "1")
	}
	if force {
		q.Set("force", "1")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/build?"+q.Encode(), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "requesting build %s", buildURL)
	}
	defer util.Close(resp.Body)
	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, skerr.Wrapf(err, "decoding build cache response for %s", buildURL)
	}
	if !parsed.Success {
		return nil, skerr.Fmt("build cache: %s", parsed.Error)
	}
	return parsed.Build, nil
}
