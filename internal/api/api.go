// Package api exposes the HTTP surface: camera and settings CRUD, motion
// event listings, runtime status, the websocket push endpoint and the
// static web UI.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nvrd/internal/model"
	"nvrd/internal/push"
	"nvrd/internal/store"
	"nvrd/internal/supervisor"
)

// Server bundles the handler dependencies.
type Server struct {
	st      *store.Store
	sup     *supervisor.Supervisor
	hub     *push.Hub
	log     zerolog.Logger
	webPath string
}

// New builds a Server.
func New(st *store.Store, sup *supervisor.Supervisor, hub *push.Hub, log zerolog.Logger, webPath string) *Server {
	return &Server{st: st, sup: sup, hub: hub, log: log, webPath: webPath}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/cameras", s.listCameras)
		r.Post("/cameras", s.createCamera)
		r.Get("/cameras/{key}", s.getCamera)
		r.Put("/cameras/{key}", s.updateCamera)
		r.Delete("/cameras/{key}", s.deleteCamera)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.updateSettings)

		r.Get("/movements", s.listMovements)
		r.Get("/movements/{key}", s.getMovement)

		r.Get("/status", s.status)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}
	if s.webPath != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.webPath)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("deleted") == "true"
	cams := []model.Camera{}
	err := s.st.Cameras().Ascend(store.Bounds{}, func(key string, value []byte) (bool, error) {
		var cam model.Camera
		if err := json.Unmarshal(value, &cam); err != nil {
			return false, nil
		}
		cam.Key = key
		if !cam.Deleted || includeDeleted {
			cams = append(cams, cam)
		}
		return false, nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cams)
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var cam model.Camera
	if err := s.st.Cameras().Get(key, &cam); err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	cam.Key = key
	writeJSON(w, http.StatusOK, cam)
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	var cam model.Camera
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cam.Key = model.CameraKey(time.Now())
	cam.Deleted = false
	if err := s.st.Cameras().Put(cam.Key, &cam); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("camera", cam.Key).Str("name", cam.Name).Msg("camera created")
	writeJSON(w, http.StatusCreated, cam)
}

func (s *Server) updateCamera(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var existing model.Camera
	if err := s.st.Cameras().Get(key, &existing); err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	var cam model.Camera
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cam.Key = key
	// The processing pointer is supervisor-owned; clients cannot move it.
	cam.LastProcessedMovementKey = existing.LastProcessedMovementKey
	if err := s.st.Cameras().Put(key, &cam); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

// deleteCamera tombstones the record. The supervisor stops its children on
// the next tick; motion history stays queryable.
func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var cam model.Camera
	if err := s.st.Cameras().Get(key, &cam); err != nil {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	cam.Key = key
	cam.Deleted = true
	cam.EnableStreaming = false
	cam.EnableMovement = false
	if err := s.st.Cameras().Put(key, &cam); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("camera", key).Msg("camera deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	var set model.Settings
	err := s.st.Settings().Get("settings", &set)
	switch {
	case err == store.ErrNotFound:
		set = model.DefaultSettings()
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		set.ApplyDefaults()
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var set model.Settings
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.st.Settings().Put("settings", &set); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	set.ApplyDefaults()
	writeJSON(w, http.StatusOK, set)
}

// listMovements returns motion events newest-first. ?before=<key> pages
// backwards, ?camera= filters, ?limit= caps the page (default 50).
func (s *Server) listMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	camera := q.Get("camera")
	bounds := store.Bounds{}
	if before := q.Get("before"); before != "" {
		bounds.LT = before
	}

	events := []model.MotionEvent{}
	err := s.st.Motion().Descend(bounds, func(key string, value []byte) (bool, error) {
		var ev model.MotionEvent
		if uerr := json.Unmarshal(value, &ev); uerr != nil {
			return false, nil
		}
		ev.Key = key
		if camera != "" && ev.CameraKey != camera {
			return false, nil
		}
		events = append(events, ev)
		return len(events) >= limit, nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getMovement(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var ev model.MotionEvent
	if err := s.st.Motion().Get(key, &ev); err != nil {
		writeError(w, http.StatusNotFound, "movement not found")
		return
	}
	ev.Key = key
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cameras":   s.sup.Status(),
		"wsClients": s.hub.ClientCount(),
	})
}
