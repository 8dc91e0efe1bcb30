package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sentriapp/camera-control-plane/internal/model"
	"github.com/sentriapp/camera-control-plane/internal/publisher"
	"github.com/sentriapp/camera-control-plane/internal/store"
)

type publicationStartRequest struct {
	CameraID     string `json:"camera_id"`
	ServerID     int64  `json:"server_id"`
	ForceRestart bool   `json:"force_restart"`
}

type publicationStopRequest struct {
	CameraID string `json:"camera_id"`
}

func (s *Server) handlePublicationStart(w http.ResponseWriter, r *http.Request) {
	var req publicationStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CameraID == "" || req.ServerID == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "camera_id and server_id are required")
		return
	}

	pub, err := s.pub.Start(r.Context(), req.CameraID, req.ServerID, req.ForceRestart)
	if err != nil {
		switch {
		case errors.Is(err, publisher.ErrConfiguration):
			writeAPIError(w, http.StatusBadRequest, "configuration_error", err.Error())
		case errors.Is(err, publisher.ErrAuthentication):
			writeAPIError(w, http.StatusBadGateway, "relay_auth_failed", err.Error())
		case errors.Is(err, publisher.ErrRemoteRegistration):
			writeAPIError(w, http.StatusBadGateway, "relay_registration_failed", err.Error())
		case errors.Is(err, publisher.ErrProcessSpawn):
			writeAPIError(w, http.StatusInternalServerError, "process_spawn_failed", err.Error())
		default:
			s.log.Error().Err(err).Str("camera_id", req.CameraID).Msg("publication start failed")
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to start publication")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"publication": toPublicationResponse(pub)})
}

func (s *Server) handlePublicationStop(w http.ResponseWriter, r *http.Request) {
	var req publicationStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CameraID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "camera_id is required")
		return
	}

	res, err := s.pub.Stop(r.Context(), req.CameraID)
	if err != nil {
		s.log.Error().Err(err).Str("camera_id", req.CameraID).Msg("publication stop failed")
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to stop publication")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"camera_id":  req.CameraID,
		"stopped":    res.Stopped,
		"session_id": res.SessionID,
	})
}

func (s *Server) handlePublicationStatus(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	st, err := s.pub.Status(r.Context(), cameraID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query publication status")
		return
	}
	if st == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "no publication for camera")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"publication": toStatusResponse(st)})
}

func (s *Server) handlePublicationsActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.pub.ListActive(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list publications")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, toStatusResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"publications": out})
}

func toPublicationResponse(p *model.Publication) map[string]any {
	return map[string]any{
		"publication_id": p.ID,
		"camera_id":      p.CameraID,
		"server_id":      p.ServerID,
		"session_id":     p.SessionID,
		"status":         string(p.Status),
		"publish_path":   p.PublishPath,
		"publish_url":    p.PublishURL,
		"webrtc_url":     p.WebRTCURL,
		"start_time":     p.StartTime.UTC().Format(time.RFC3339),
	}
}

func toStatusResponse(st *publisher.Status) map[string]any {
	resp := map[string]any{
		"camera_id":      st.CameraID,
		"server_id":      st.ServerID,
		"publication_id": st.PublicationID,
		"session_id":     st.SessionID,
		"status":         string(st.Status),
		"is_active":      st.IsActive,
		"publish_path":   st.PublishPath,
		"publish_url":    st.PublishURL,
		"webrtc_url":     st.WebRTCURL,
		"start_time":     st.StartTime.UTC().Format(time.RFC3339),
		"uptime_seconds": st.UptimeSeconds,
		"error_count":    st.ErrorCount,
		"last_error":     st.LastError,
	}
	if st.StopTime != nil {
		resp["stop_time"] = st.StopTime.UTC().Format(time.RFC3339)
	}
	if st.Latest != nil {
		resp["metrics"] = map[string]any{
			"observed_at":    st.Latest.Timestamp.UTC().Format(time.RFC3339),
			"fps":            st.Latest.FPS,
			"bitrate_kbps":   st.Latest.BitrateKbps,
			"frames":         st.Latest.Frames,
			"dropped_frames": st.Latest.DroppedFrames,
			"speed":          st.Latest.Speed,
			"viewer_count":   st.Latest.ViewerCount,
		}
	}
	return resp
}

type cameraRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StreamURL string `json:"stream_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Transport string `json:"transport"`
	Enabled   *bool  `json:"enabled"`
}

func (s *Server) handleCamerasList(w http.ResponseWriter, r *http.Request) {
	cams, err := s.catalog.ListCameras(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list cameras")
		return
	}
	out := make([]map[string]any, 0, len(cams))
	for _, c := range cams {
		out = append(out, toCameraResponse(&c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cameras": out})
}

func (s *Server) handleCameraGet(w http.ResponseWriter, r *http.Request) {
	cam, err := s.catalog.GetCamera(r.Context(), chi.URLParam(r, "cameraID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "camera not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to query camera")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"camera": toCameraResponse(cam)})
}

func (s *Server) handleCameraCreate(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.StreamURL == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and stream_url are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cam, err := s.catalog.CreateCamera(r.Context(), model.Camera{
		ID:        req.ID,
		Name:      req.Name,
		StreamURL: req.StreamURL,
		Username:  req.Username,
		Password:  req.Password,
		Transport: req.Transport,
		Enabled:   enabled,
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create camera")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"camera": toCameraResponse(cam)})
}

func (s *Server) handleCameraUpdate(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.StreamURL == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and stream_url are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cam, err := s.catalog.UpdateCamera(r.Context(), model.Camera{
		ID:        chi.URLParam(r, "cameraID"),
		Name:      req.Name,
		StreamURL: req.StreamURL,
		Username:  req.Username,
		Password:  req.Password,
		Transport: req.Transport,
		Enabled:   enabled,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "camera not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to update camera")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"camera": toCameraResponse(cam)})
}

func (s *Server) handleCameraDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteCamera(r.Context(), chi.URLParam(r, "cameraID")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "camera not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to delete camera")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toCameraResponse(c *model.Camera) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"stream_url": c.StreamURL,
		"transport":  c.Transport,
		"enabled":    c.Enabled,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type serverRequest struct {
	Name                  string `json:"name"`
	Kind                  string `json:"kind"`
	Host                  string `json:"host"`
	RTSPPort              int    `json:"rtsp_port"`
	PathPrefix            string `json:"path_prefix"`
	APIURL                string `json:"api_url"`
	Username              string `json:"username"`
	Password              string `json:"password"`
	MaxReconnects         int    `json:"max_reconnects"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds"`
}

func (s *Server) handleServersList(w http.ResponseWriter, r *http.Request) {
	servers, err := s.catalog.ListRelayServers(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list relay servers")
		return
	}
	out := make([]map[string]any, 0, len(servers))
	for _, srv := range servers {
		out = append(out, toServerResponse(&srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Host == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "name and host are required")
		return
	}
	kind := model.ServerKind(req.Kind)
	if kind != model.ServerLocal && kind != model.ServerRemote {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "kind must be local or remote")
		return
	}
	if kind == model.ServerRemote && req.APIURL == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "api_url is required for remote servers")
		return
	}
	rtspPort := req.RTSPPort
	if rtspPort == 0 {
		rtspPort = 8554
	}
	srv, err := s.catalog.CreateRelayServer(r.Context(), model.RelayServer{
		Name:                  req.Name,
		Kind:                  kind,
		Host:                  req.Host,
		RTSPPort:              rtspPort,
		PathPrefix:            req.PathPrefix,
		APIURL:                req.APIURL,
		Username:              req.Username,
		Password:              req.Password,
		MaxReconnects:         req.MaxReconnects,
		ReconnectDelaySeconds: req.ReconnectDelaySeconds,
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create relay server")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"server": toServerResponse(srv)})
}

func toServerResponse(srv *model.RelayServer) map[string]any {
	return map[string]any{
		"id":                      srv.ID,
		"name":                    srv.Name,
		"kind":                    string(srv.Kind),
		"host":                    srv.Host,
		"rtsp_port":               srv.RTSPPort,
		"path_prefix":             srv.PathPrefix,
		"api_url":                 srv.APIURL,
		"max_reconnects":          srv.MaxReconnects,
		"reconnect_delay_seconds": srv.ReconnectDelaySeconds,
	}
}
