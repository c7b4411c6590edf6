package web

import (
	"net/http"
	"time"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	store := s.coord.Store()
	now := time.Now()
	devices := store.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, enrichDevice(store, dev, now))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	store := s.coord.Store()
	dev, ok := store.DeviceByMAC(mac)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, enrichDevice(store, dev, time.Now()))
}

func (s *Server) handleAPIGetProperty(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	attr := r.PathValue("attr")
	store := s.coord.Store()
	dev, ok := store.DeviceByMAC(mac)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if _, ok := dev.GetProperty(attr); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "property not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, enrichProperty(dev, attr, time.Now(), store.LastPollSuccess()))
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	store := s.coord.Store()
	ok, at, err := store.PollStatus()
	status := map[string]interface{}{
		"controller_name":   store.ControllerName(),
		"devices":           len(store.Devices()),
		"last_poll_success": ok,
		"poll_interval":     s.coord.Poller().Interval().String(),
	}
	if !at.IsZero() {
		status["last_poll_at"] = at.Format(time.RFC3339)
	}
	if err != nil {
		status["last_poll_error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
