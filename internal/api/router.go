package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func NewRouter(h *Handlers) http.Handler {
    mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", h.HandleReady)
	mux.Handle("/metrics", promhttp.Handler())
	if h.d.CallWS != nil {
		mux.Handle("/ws/call", h.d.CallWS)
	}

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		h.HandleHealth(w, r)
	})

	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListMessages(w, r)
		case http.MethodPost:
			h.HandleSendMessage(w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/api/messages/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.HandleClearMessages(w, r)
	})

	mux.HandleFunc("/api/tts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.HandleTTS(w, r)
	})

	mux.HandleFunc("/api/calls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		h.HandleCreateCall(w, r)
	})

    mux.HandleFunc("/api/calls/", func(w http.ResponseWriter, r *http.Request) {
		// /api/calls/{id} | /api/calls/{id}/events
		path := strings.TrimSuffix(r.URL.Path, "/")
		const prefix = "/api/calls/"
		if !strings.HasPrefix(path, prefix) {
			http.NotFound(w, r)
			return
		}
		parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
		if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
			http.NotFound(w, r)
			return
		}
		id := parts[0]
		tail := ""
		if len(parts) > 1 {
			tail = parts[1]
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}

        switch tail {
        case "":
            h.HandleGetCall(w, r, id)
        case "events":
            h.HandleListEvents(w, r, id)
        default:
            http.NotFound(w, r)
        }
    })

    return mux
}
