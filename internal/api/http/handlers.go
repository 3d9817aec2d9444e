package apihttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lumina/internal/domain"
)

type createTaskRequest struct {
	URL            string   `json:"url"`
	Mode           string   `json:"mode"`
	Quality        string   `json:"quality"`
	VideoFormat    string   `json:"video_format"`
	AudioFormat    string   `json:"audio_format"`
	SubtitleLangs  []string `json:"subtitle_langs"`
	AutoCaptions   bool     `json:"auto_captions"`
	GeoBypass      bool     `json:"geo_bypass"`
	Container      string   `json:"container"`
	OutputTemplate string   `json:"output_template"`
	RetryBudget    int      `json:"retry_budget"`
	ThumbnailEmbed bool     `json:"thumbnail_embed"`
	MetaMode       string   `json:"meta_mode"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "url is required")
		return
	}
	if err := domain.ValidateURL(body.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_url", "malformed or disallowed url")
		return
	}

	req := domain.Request{
		URL:            body.URL,
		Mode:           domain.ResolveMode(body.Mode),
		Quality:        body.Quality,
		VideoFormat:    body.VideoFormat,
		AudioFormat:    body.AudioFormat,
		SubtitleLangs:  body.SubtitleLangs,
		AutoCaptions:   body.AutoCaptions,
		GeoBypass:      body.GeoBypass,
		Container:      body.Container,
		OutputTemplate: body.OutputTemplate,
		RetryBudget:    body.RetryBudget,
		ThumbnailEmbed: body.ThumbnailEmbed,
		MetaMode:       domain.ResolveMetaMode(body.MetaMode, s.defaultMetaMode),
	}

	id := s.tasks.AddTask(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tasks.Cancel(id) {
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found", "no such task")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	lines, next := task.LogSince(offset)
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines, "offset": next})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxKeep, err := strconv.Atoi(r.URL.Query().Get("max_keep"))
	if err != nil {
		maxKeep = 0
	}
	removeActive := r.URL.Query().Get("remove_active") == "1" || r.URL.Query().Get("remove_active") == "true"
	removed := s.tasks.Cleanup(maxKeep, removeActive)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error_code": code, "error_message": message})
}
