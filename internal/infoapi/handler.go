// Package infoapi wires the Info Cache (C2), Inflight Coalescer (C3), and
// Probing Pipeline (C4) into the /api/info HTTP contract (spec §6).
// Grounded on original_source/service/api/info.py's get_info view, which
// this package's Handler.ServeHTTP mirrors status-code for status-code.
package infoapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lumina/internal/domain"
	"lumina/internal/infocache"
	"lumina/internal/inflight"
	"lumina/internal/probe"
	"lumina/internal/siteregistry"
)

// Handler serves GET /api/info?url=...&fast=...&geo_bypass=....
type Handler struct {
	Cache     *infocache.Cache
	Coalescer *inflight.Coalescer
	Pipeline  *probe.Pipeline
	Registry  *siteregistry.Registry
	Log       *slog.Logger
	Now       func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// infoResponseWire flattens ProbeResult plus the coalesced flag into the
// wire shape of spec §6's /api/info response.
type infoResponseWire struct {
	Formats       []domain.FormatTrack    `json:"formats"`
	MaxHeight     int                     `json:"max_height"`
	Subtitles     []string                `json:"subtitles,omitempty"`
	AutoSubtitles []string                `json:"auto_subtitles,omitempty"`
	Capabilities  domain.Capabilities     `json:"capabilities"`
	QualityPairs  domain.QualityPairs     `json:"quality_pairs"`
	Title         string                  `json:"title"`
	VideoID       string                  `json:"video_id,omitempty"`
	Uploader      string                  `json:"uploader,omitempty"`
	Duration      float64                 `json:"duration,omitempty"`
	Thumbnail     string                  `json:"thumbnail,omitempty"`
	Coalesced     bool                    `json:"coalesced,omitempty"`
}

func toWire(r domain.ProbeResult, coalesced bool) infoResponseWire {
	return infoResponseWire{
		Formats:       r.Formats,
		MaxHeight:     r.MaxHeight,
		Subtitles:     r.Subtitles,
		AutoSubtitles: r.AutoSubtitles,
		Capabilities:  r.Capabilities,
		QualityPairs:  r.QualityPairs,
		Title:         r.Title,
		VideoID:       r.VideoID,
		Uploader:      r.Uploader,
		Duration:      r.Duration,
		Thumbnail:     r.Thumbnail,
		Coalesced:     coalesced,
	}
}

// ServeHTTP implements the /api/info contract: 200 on a cache hit or a
// synchronously completed probe, 202 when a coalesced wait times out
// before the leader finishes, 400 on an invalid URL, 429 while a URL is
// in its negative-cache cool-down, 502 on a classified extractor
// failure, 504 on a preflight/extractor timeout.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrorInvalidInput, "missing url parameter")
		return
	}
	if err := domain.ValidateURL(rawURL); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrorInvalidURL, "malformed or disallowed url")
		return
	}

	fastMode := r.URL.Query().Get("fast") == "1" || r.URL.Query().Get("fast") == "true"
	geoBypass := r.URL.Query().Get("geo_bypass") == "1" || r.URL.Query().Get("geo_bypass") == "true"

	if cached, ok := h.Cache.Positive.Get(rawURL); ok {
		h.writeJSON(w, http.StatusOK, toWire(cached, false))
		return
	}

	if rec, remaining, onCooldown := h.Cache.Negative.Check(rawURL); onCooldown {
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
		h.writeError(w, http.StatusTooManyRequests, domain.ErrorRecentFail, rec.LastError)
		return
	}

	entry, isLeader := h.Coalescer.Acquire(rawURL)
	waitTimeout := inflight.DefaultWaitTimeout
	if h.Registry.Classify(rawURL) == domain.SiteTwitter {
		waitTimeout = inflight.TwitterWaitTimeout
	}

	if isLeader {
		result, status, err := h.Coalescer.RunLeader(r.Context(), entry, func(ctx context.Context) (domain.ProbeResult, int, error) {
			return h.runProbe(ctx, entry, rawURL, geoBypass, fastMode)
		})
		h.respondOutcome(w, rawURL, result, status, err, false)
		return
	}

	outcome := entry.Wait(waitTimeout, true)
	if outcome.TimedOut {
		w.Header().Set("Retry-After", "5")
		h.writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "in_progress",
			"stage":  outcome.Stage,
		})
		return
	}
	h.respondOutcome(w, rawURL, outcome.Result, outcome.HTTPStatus, outcome.Err, true)
}

func (h *Handler) runProbe(ctx context.Context, entry *inflight.Entry, rawURL string, geoBypass, fastMode bool) (domain.ProbeResult, int, error) {
	result, kind, msg, err := h.Pipeline.Run(ctx, rawURL, geoBypass, fastMode, func(stage domain.ProbeStage) {
		entry.SetStage(stage)
	})
	if err != nil || kind != "" {
		status := httpStatusForKind(kind)
		if err == nil {
			err = errors.New(msg)
		}
		h.Cache.Negative.RecordFailure(rawURL, msg, h.now())
		return domain.ProbeResult{}, status, err
	}

	h.Cache.Negative.Clear(rawURL)
	h.Cache.Positive.Set(rawURL, result)
	return result, http.StatusOK, nil
}

func (h *Handler) respondOutcome(w http.ResponseWriter, rawURL string, result domain.ProbeResult, status int, err error, coalesced bool) {
	if err != nil {
		kind, msg := domain.ErrorKind("unknown"), err.Error()
		if rec, _, ok := h.Cache.Negative.Check(rawURL); ok {
			msg = rec.LastError
		}
		if status == 0 {
			status = http.StatusBadGateway
		}
		h.writeError(w, status, kind, msg)
		return
	}
	h.writeJSON(w, http.StatusOK, toWire(result, coalesced))
}

func httpStatusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrorInvalidInput, domain.ErrorInvalidURL, domain.ErrorUnsupportedURL:
		return http.StatusBadRequest
	case domain.ErrorTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrorRecentFail:
		return http.StatusTooManyRequests
	case domain.ErrorAgeRestricted, domain.ErrorPrivate, domain.ErrorMembersOnly,
		domain.ErrorVideoUnavailable, domain.ErrorGeoBlock, domain.ErrorForbidden,
		domain.ErrorRateLimited, domain.ErrorConnectionReset, domain.ErrorExtractFail,
		domain.ErrorTwitterNetworkBlock, domain.ErrorUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && h.Log != nil {
		h.Log.Error("failed to encode info response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	h.writeJSON(w, status, map[string]any{"error_code": kind, "error_message": msg})
}
