package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kwv/gpamesh/mesh"
	"github.com/kwv/gpamesh/procrustes"
)

// maxRequestBytes caps POST /align bodies.
const maxRequestBytes = 32 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()
	log := a.Logger.Named("http")

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Results       int       `json:"results"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Results:       a.Store.Len(),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("POST /align", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad-request"})
			return
		}
		var req mesh.AlignRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decoding request: %v", err), Kind: "bad-request"})
			return
		}

		doc, err := a.Align(r.Context(), req)
		if err != nil {
			writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: mesh.ErrorKind(err)})
			return
		}
		log.Infof("[HTTP] aligned %d shapes, run %s", len(doc.Shapes), doc.RunID)
		writeJSON(w, http.StatusOK, doc)
	})

	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			RunIDs []string `json:"runIds"`
		}{RunIDs: a.Store.RunIDs()})
	})

	mux.HandleFunc("GET /results/latest", func(w http.ResponseWriter, r *http.Request) {
		doc, ok := a.Store.Latest()
		if !ok {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	mux.HandleFunc("GET /results/latest/summary", func(w http.ResponseWriter, r *http.Request) {
		doc, ok := a.Store.Latest()
		if !ok {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		sum, err := mesh.Summarize(doc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	mux.HandleFunc("GET /results/latest.geojson", func(w http.ResponseWriter, r *http.Request) {
		doc, ok := a.Store.Latest()
		if !ok {
			http.Error(w, "No results available", http.StatusServiceUnavailable)
			return
		}
		data, err := mesh.ResultToFeatureCollection(doc).MarshalJSON()
		if err != nil {
			log.Errorf("Error encoding GeoJSON: %v", err)
			http.Error(w, "Failed to encode GeoJSON", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("GET /results/{runId}", func(w http.ResponseWriter, r *http.Request) {
		doc, ok := a.Store.Get(r.PathValue("runId"))
		if !ok {
			http.Error(w, "Unknown run", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	return mux
}

// statusFor maps alignment errors to HTTP status codes.
func statusFor(err error) int {
	var degenerate *procrustes.DegenerateInputError
	switch {
	case errors.As(err, &degenerate):
		return http.StatusUnprocessableEntity
	case mesh.ErrorKind(err) == "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
