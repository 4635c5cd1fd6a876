package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/ircrelay/internal/router"
	"github.com/rickgao/ircrelay/internal/version"
)

// statusSource exposes the live session to the health server.
type statusSource interface {
	Router() *router.Router
	Server() string
	Sessions() int64
}

// newHealthHandler creates the HTTP handler for health checks.
func newHealthHandler(src statusSource) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status   string                 `json:"status"`
			Version  version.Info           `json:"version"`
			Server   string                 `json:"server"`
			Sessions int64                  `json:"sessions"`
			Session  map[string]interface{} `json:"session,omitempty"`
		}{
			Status:   "healthy",
			Version:  version.Get(),
			Server:   src.Server(),
			Sessions: src.Sessions(),
		}

		rt := src.Router()
		switch {
		case rt == nil:
			health.Status = "connecting"
		default:
			st := rt.Stats()
			health.Session = map[string]interface{}{
				"id":                rt.SessionID(),
				"state":             st.State.String(),
				"nick":              st.Nick,
				"observers":         st.Observers,
				"upstream_frames":   st.UpstreamFrames,
				"upstream_bytes":    st.UpstreamBytes,
				"parse_errors":      st.ParseErrors,
				"pongs":             st.Pongs,
				"frames_fanned_out": st.FramesFannedOut,
				"observer_frames":   st.ObserverFrames,
				"accepted":          st.Accepted,
				"dropped":           st.Dropped,
			}
			switch st.State {
			case router.StateTerminated:
				health.Status = "unhealthy"
			case router.StateRegistered:
			default:
				health.Status = "starting"
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" || health.Status == "connecting" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/observers", func(w http.ResponseWriter, r *http.Request) {
		observers := []router.ObserverInfo{}
		if rt := src.Router(); rt != nil {
			observers = rt.Observers()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count":     len(observers),
			"observers": observers,
		})
	})

	return mux
}
