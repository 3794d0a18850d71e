package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// deviceListResponse is the envelope for device listing endpoints. The
// full-refresh watermark lets polling clients decide when a cached
// listing is stale.
type deviceListResponse struct {
	Devices         []tracker.DeviceView `json:"devices"`
	FullRefreshTime int64                `json:"full_refresh_time"`
}

// handleAllDevices returns a snapshot of every tracked device.
func (s *Server) handleAllDevices(w http.ResponseWriter, r *http.Request) {
	if s.notModifiedSince(w, r) {
		return
	}

	snapshot := s.tracker.Snapshot()
	resp := deviceListResponse{
		Devices:         make([]tracker.DeviceView, 0, len(snapshot)),
		FullRefreshTime: s.tracker.FullRefreshTime(),
	}
	for _, d := range snapshot {
		resp.Devices = append(resp.Devices, d.View())
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleViewDevices returns a snapshot of one view's membership.
func (s *Server) handleViewDevices(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "view_id")

	view, err := s.tracker.GetView(viewID)
	if err != nil {
		writeNotFound(w, "no such view")
		return
	}

	if s.notModifiedSince(w, r) {
		return
	}

	members := view.Devices()
	resp := deviceListResponse{
		Devices:         make([]tracker.DeviceView, 0, len(members)),
		FullRefreshTime: s.tracker.FullRefreshTime(),
	}
	for _, d := range members {
		resp.Devices = append(resp.Devices, d.View())
	}

	writeJSON(w, http.StatusOK, resp)
}

// multimacRequest is the body of the multimac lookup endpoint.
type multimacRequest struct {
	Devices []string `json:"devices"`
	Fields  []string `json:"fields,omitempty"`
}

// handleMultimac returns per-MAC aggregated snapshots for a caller
// provided address list, optionally projected to a field subset.
func (s *Server) handleMultimac(w http.ResponseWriter, r *http.Request) {
	var req multimacRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if len(req.Devices) == 0 {
		writeBadRequest(w, "devices list is required")
		return
	}

	result := make(map[string][]any, len(req.Devices))
	for _, macText := range req.Devices {
		mac, err := tracker.ParseMAC(macText)
		if err != nil {
			writeBadRequest(w, "invalid mac: "+macText)
			return
		}

		var entries []any
		for _, d := range s.tracker.FetchDevicesByMAC(mac) {
			entries = append(entries, projectFields(d.View(), req.Fields))
		}
		result[mac.String()] = entries
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":           result,
		"full_refresh_time": s.tracker.FullRefreshTime(),
	})
}

// handleGetDevice returns one device by key.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.View())
}

// setNameRequest is the body of the set_name endpoint.
type setNameRequest struct {
	Username string `json:"username"`
}

// handleSetName sets the user-assigned device name and persists it.
func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	var req setNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.tracker.SetDeviceUserName(r.Context(), d, req.Username); err != nil {
		s.logger.Error("set_name persistence failed", "key", d.Key.String(), "error", err)
		writeInternalError(w, "failed to persist username")
		return
	}

	writeJSON(w, http.StatusOK, d.View())
}

// setTagRequest is the body of the set_tag endpoint.
type setTagRequest struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// handleSetTag sets a device tag and persists it. Empty content removes
// the tag.
func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	var req setTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Tag == "" {
		writeBadRequest(w, "tag is required")
		return
	}

	if err := s.tracker.SetDeviceTag(r.Context(), d, req.Tag, req.Content); err != nil {
		s.logger.Error("set_tag persistence failed", "key", d.Key.String(), "error", err)
		writeInternalError(w, "failed to persist tag")
		return
	}

	writeJSON(w, http.StatusOK, d.View())
}

// deviceFromRequest resolves the {key} URL parameter to a device,
// writing the error response on failure.
func (s *Server) deviceFromRequest(w http.ResponseWriter, r *http.Request) (*tracker.Device, bool) {
	key, err := tracker.ParseDeviceKey(chi.URLParam(r, "key"))
	if err != nil {
		writeBadRequest(w, "invalid device key")
		return nil, false
	}

	d, err := s.tracker.FetchDevice(key)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			writeNotFound(w, "no such device")
		} else {
			writeInternalError(w, "device lookup failed")
		}
		return nil, false
	}
	return d, true
}

// notModifiedSince implements the If-Modified-Since style contract on
// listing endpoints: a client passing ?since=<unix> gets 304 when no
// structural change happened after that timestamp.
func (s *Server) notModifiedSince(w http.ResponseWriter, r *http.Request) bool {
	sinceText := r.URL.Query().Get("since")
	if sinceText == "" {
		return false
	}

	since, err := strconv.ParseInt(sinceText, 10, 64)
	if err != nil || since <= 0 {
		return false
	}

	if s.tracker.FullRefreshTime() <= since {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

// projectFields reduces a device view to the requested fields. An empty
// field list returns the full view.
func projectFields(view tracker.DeviceView, fields []string) any {
	if len(fields) == 0 {
		return view
	}

	// Round-trip through JSON so field names match the wire form.
	raw, err := json.Marshal(view)
	if err != nil {
		return view
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return view
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := full[f]; ok {
			out[f] = v
		}
	}
	return out
}
