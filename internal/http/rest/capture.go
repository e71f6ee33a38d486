// Package rest exposes the operator surface: capture status, manual
// direct-video downloads, and the metrics endpoint.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mediacap/mediacap/internal/capture"
	"github.com/mediacap/mediacap/internal/logctx"
	"github.com/mediacap/mediacap/internal/storage"
	"github.com/mediacap/mediacap/internal/telemetry"
)

// CaptureHandler serves the status and manual-download API.
type CaptureHandler struct {
	state      *capture.State
	layout     *storage.Layout
	downloader capture.Downloader
	telemetry  *telemetry.Telemetry
	startedAt  time.Time
}

func NewCaptureHandler(state *capture.State, layout *storage.Layout, downloader capture.Downloader, tel *telemetry.Telemetry) *CaptureHandler {
	return &CaptureHandler{
		state:      state,
		layout:     layout,
		downloader: downloader,
		telemetry:  tel,
		startedAt:  time.Now(),
	}
}

func (h *CaptureHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.telemetry.Middleware)

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Post("/downloads", h.createDownload)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	return r
}

func (h *CaptureHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	BaseDir       string         `json:"base_dir"`
	Ledgers       map[string]int `json:"ledgers"`
}

func (h *CaptureHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, statusResponse{
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		BaseDir:       h.layout.Base,
		Ledgers:       h.state.Counts(),
	})
}

type createDownloadRequest struct {
	URL string `json:"url"`
}

type createDownloadResponse struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
}

// createDownload enqueues a direct-video fetch through the same in-flight
// registry the capture path uses, so a manual request for an already-claimed
// key no-ops with a conflict.
func (h *CaptureHandler) createDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")

		return
	}

	url := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		writeError(w, r, http.StatusBadRequest, "url must be absolute http(s)")

		return
	}

	dest := filepath.Join(h.layout.VideosMP4Direct, capture.DirectVideoName(url))

	// The fetch outlives this request; detach it from the request's cancelation
	// while keeping its logger.
	ctx := context.WithoutCancel(r.Context())

	if !h.downloader.Enqueue(ctx, url, http.Header{}, dest) {
		writeJSON(w, r, http.StatusConflict, createDownloadResponse{
			URL:         url,
			Key:         capture.CanonicalKey(url),
			Destination: dest,
			Status:      "duplicate",
		})

		return
	}

	writeJSON(w, r, http.StatusAccepted, createDownloadResponse{
		URL:         url,
		Key:         capture.CanonicalKey(url),
		Destination: dest,
		Status:      "queued",
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
