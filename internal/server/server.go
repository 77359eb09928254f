// Package server exposes the vault over HTTP: object ingest, retrieval by
// short code or path, owner-scoped clearing, status, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vaultmesh/vaultmesh/internal/notify"
	"github.com/vaultmesh/vaultmesh/internal/vault"
	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

// Server is the vault HTTP front end.
type Server struct {
	store     *vault.Store
	placer    *vault.Placer
	links     *vault.Links
	ledger    *vault.Ledger
	hub       *notify.Hub
	notifier  notify.Notifier
	metrics   *vault.Metrics
	authToken string
	publicURL string

	server *http.Server
}

// Options configures a vault server. Hub, Notifier, and Metrics may be nil.
type Options struct {
	Store     *vault.Store
	Placer    *vault.Placer
	Links     *vault.Links
	Ledger    *vault.Ledger
	Hub       *notify.Hub
	Notifier  notify.Notifier
	Metrics   *vault.Metrics
	AuthToken string
	PublicURL string
}

// New creates a vault HTTP server.
func New(opts Options) *Server {
	return &Server{
		store:     opts.Store,
		placer:    opts.Placer,
		links:     opts.Links,
		ledger:    opts.Ledger,
		hub:       opts.Hub,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		authToken: opts.AuthToken,
		publicURL: opts.PublicURL,
	}
}

// Handler returns the HTTP handler for all vault routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /vault/{owner}/{filename...}", s.handleIngest)
	mux.HandleFunc("GET /vault/{owner}/{filename...}", s.handleGetObject)
	mux.HandleFunc("DELETE /vault/{owner}/{filename...}", s.handleDeleteObject)
	mux.HandleFunc("DELETE /vault/{owner}", s.handleClear)
	mux.HandleFunc("GET /download/{code}", s.handleDownload)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(vault.Registry, promhttp.HandlerOpts{}))

	if s.hub != nil {
		mux.HandleFunc("GET /notify/{owner}", s.handleNotify)
	}

	return mux
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // large object uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("vault server error")
		}
	}()
	log.Info().Str("listen", addr).Msg("vault server started")
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// authorized checks the bearer token on mutating routes. An empty
// configured token disables auth.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.authToken
}

type ingestResponse struct {
	Code   string  `json:"code"`
	Shard  int     `json:"shard"`
	SizeMB float64 `json:"size_mb"`
	URL    string  `json:"url"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	owner := r.PathValue("owner")
	filename := r.PathValue("filename")

	// Place using the declared size; the ledger is charged with the actual
	// byte count once the object is stored.
	sizeMB, err := declaredSizeMB(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	shard, err := s.placer.Choose(sizeMB)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestRejectsTotal.Inc()
		}
		writeError(w, http.StatusInsufficientStorage, "no capacity for this object")
		return
	}

	obj, err := s.store.Put(r.Context(), owner, filename, r.Body, shard)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrInvalidName):
			writeError(w, http.StatusBadRequest, "invalid owner or filename")
		case errors.Is(err, context.Canceled):
			// client went away mid-upload; the partial write was rolled back
			log.Debug().Str("owner", owner).Str("filename", filename).Msg("ingest cancelled by client")
		default:
			log.Error().Err(err).Str("owner", owner).Str("filename", filename).Msg("ingest failed")
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}

	// Placement trusted the declared size; re-verify against the bytes
	// actually written. A chunked upload with no declared size places at
	// zero and is only caught here.
	if s.ledger.Usage(obj.Shard) > s.placer.LimitMB() {
		_, _, _ = s.store.Delete(owner, filename)
		if s.metrics != nil {
			s.metrics.IngestRejectsTotal.Inc()
		}
		writeError(w, http.StatusInsufficientStorage, "no capacity for this object")
		return
	}

	code, err := s.links.Issue(owner, filename)
	if err != nil {
		// Code space exhausted: the object is stored but unlinked. Roll it
		// back so the caller sees a clean rejection.
		_, _, _ = s.store.Delete(owner, filename)
		writeError(w, http.StatusInsufficientStorage, "download code space exhausted")
		return
	}

	if s.metrics != nil {
		s.metrics.IngestsTotal.Inc()
	}
	if s.notifier != nil {
		s.notifier.Notify(notify.Event{
			Type:     notify.EventStored,
			Owner:    owner,
			Filename: filename,
			Code:     code,
			SizeMB:   obj.SizeMB,
			Time:     obj.CreatedAt,
		})
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		Code:   code,
		Shard:  obj.Shard,
		SizeMB: obj.SizeMB,
		URL:    fmt.Sprintf("%s/download/%s", s.publicURL, code),
	})
}

// declaredSizeMB reads the size the client claims for placement, preferring
// the X-Vault-Size-MB header over Content-Length.
func declaredSizeMB(r *http.Request) (float64, error) {
	if h := r.Header.Get("X-Vault-Size-MB"); h != "" {
		v, err := strconv.ParseFloat(h, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid X-Vault-Size-MB %q", h)
		}
		return v, nil
	}
	if r.ContentLength > 0 {
		return bytesize.ToMB(r.ContentLength), nil
	}
	return 0, nil
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, r.PathValue("owner"), r.PathValue("filename"))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	owner, filename, err := s.links.Resolve(code)
	switch {
	case errors.Is(err, vault.ErrLinkRevoked):
		writeError(w, http.StatusGone, "object no longer available")
		return
	case err != nil:
		writeError(w, http.StatusNotFound, "unknown download code")
		return
	}

	s.serveObject(w, r, owner, filename)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, owner, filename string) {
	rc, obj, err := s.store.Open(owner, filename)
	if err != nil {
		if errors.Is(err, vault.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "object not found")
		} else {
			log.Error().Err(err).Str("owner", owner).Str("filename", filename).Msg("open failed")
			writeError(w, http.StatusInternalServerError, "storage error")
		}
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", obj.Filename))
	if _, err := io.Copy(w, rc); err != nil {
		log.Debug().Err(err).Str("owner", owner).Str("filename", filename).Msg("download interrupted")
		return
	}

	if s.metrics != nil {
		s.metrics.DownloadsTotal.Inc()
	}
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	owner := r.PathValue("owner")
	filename := r.PathValue("filename")

	freed, found, err := s.store.Delete(owner, filename)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Str("filename", filename).Msg("delete failed")
	}
	code := s.links.RevokeObject(owner, filename)

	if found {
		if s.metrics != nil {
			s.metrics.DeletesTotal.Inc()
		}
		if s.notifier != nil {
			s.notifier.Notify(notify.Event{
				Type:     notify.EventDeleted,
				Owner:    owner,
				Filename: filename,
				Code:     code,
				SizeMB:   freed,
				Time:     time.Now(),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]float64{"freed_mb": freed})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	owner := r.PathValue("owner")

	// Snapshot the owner's filenames before clearing so their links can be
	// revoked afterwards.
	var filenames []string
	for _, obj := range s.store.Objects() {
		if obj.Owner == owner {
			filenames = append(filenames, obj.Filename)
		}
	}

	freed, err := s.store.Clear(owner)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("clear failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	for _, filename := range filenames {
		s.links.RevokeObject(owner, filename)
		if s.metrics != nil {
			s.metrics.DeletesTotal.Inc()
		}
	}

	log.Info().Str("owner", owner).Int("objects", len(filenames)).
		Float64("freed_mb", freed).Msg("owner vault cleared")
	writeJSON(w, http.StatusOK, map[string]float64{"freed_mb": freed})
}

type shardStatus struct {
	Shard   int     `json:"shard"`
	UsedMB  float64 `json:"used_mb"`
	LimitMB float64 `json:"limit_mb"`
}

type statusResponse struct {
	Shards  []shardStatus `json:"shards"`
	Objects int           `json:"objects"`
	Links   int           `json:"links"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	usage := s.ledger.Load()

	resp := statusResponse{
		Objects: s.store.Count(),
		Links:   s.links.Active(),
	}
	for shard := 1; shard <= s.placer.Shards(); shard++ {
		resp.Shards = append(resp.Shards, shardStatus{
			Shard:   shard,
			UsedMB:  usage[shard],
			LimitMB: s.placer.LimitMB(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	s.hub.Subscribe(w, r, r.PathValue("owner"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
