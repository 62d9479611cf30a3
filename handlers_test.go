package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap/zaptest"

	"github.com/kwv/gpamesh/mesh"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestApp(t *testing.T) *App {
	t.Helper()
	return NewApp(mesh.DefaultConfig(), zaptest.NewLogger(t).Sugar(), &bytes.Buffer{})
}

// squaresRequest is three similar squares; similarity alignment is exact.
func squaresRequest(runID string) mesh.AlignRequest {
	return mesh.AlignRequest{
		RunID: runID,
		Shapes: []mesh.ShapeInput{
			{ID: "unit", Points: [][3]float64{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}},
			{ID: "big", Points: [][3]float64{{0, 0, 0}, {3, 0, 0}, {3, 3, 0}, {0, 3, 0}}},
			{ID: "moved", Points: [][3]float64{{2, 2, 2}, {2, 3, 2}, {1, 3, 2}, {1, 2, 2}}},
		},
	}
}

func postAlign(t *testing.T, h http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch v := body.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/align", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPServer(newTestApp(t))
	rec := get(h, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["mqttConnected"] != false {
		t.Errorf("mqttConnected = %v, want false", body["mqttConnected"])
	}
}

// ---------------------------------------------------------------------------
// POST /align
// ---------------------------------------------------------------------------

func TestAlignEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := newHTTPServer(a)

	rec := postAlign(t, h, squaresRequest("http-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var doc mesh.ResultDocument
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.RunID != "http-1" {
		t.Errorf("RunID = %q, want http-1", doc.RunID)
	}
	if !doc.Converged {
		t.Errorf("expected convergence, stop reason %s", doc.StopReason)
	}
	if len(doc.Shapes) != 3 || doc.Shapes[1].ID != "big" {
		t.Errorf("shapes = %+v", doc.Shapes)
	}
	if doc.FinalDisparity > 1e-12 {
		t.Errorf("FinalDisparity = %g, want ~0", doc.FinalDisparity)
	}
	if _, ok := a.Store.Get("http-1"); !ok {
		t.Error("result was not stored")
	}
}

func TestAlignEndpointAssignsRunID(t *testing.T) {
	h := newHTTPServer(newTestApp(t))
	rec := postAlign(t, h, squaresRequest(""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc mesh.ResultDocument
	_ = json.NewDecoder(rec.Body).Decode(&doc)
	if doc.RunID == "" {
		t.Error("expected generated run ID")
	}
}

func TestAlignEndpointErrors(t *testing.T) {
	mismatch := squaresRequest("bad")
	mismatch.Shapes[2].Points = mismatch.Shapes[2].Points[:3]

	collinear := mesh.AlignRequest{Shapes: []mesh.ShapeInput{
		{ID: "l1", Points: [][3]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}},
		{ID: "l2", Points: [][3]float64{{0, 1, 0}, {0, 2, 0}, {0, 3, 0}}},
	}}

	tests := []struct {
		name     string
		body     interface{}
		wantCode int
		wantKind string
	}{
		{"malformed json", "{", http.StatusBadRequest, "bad-request"},
		{"empty group", mesh.AlignRequest{}, http.StatusBadRequest, "empty-group"},
		{"cardinality mismatch", mismatch, http.StatusBadRequest, "shape-mismatch"},
		{"unknown mode", mesh.AlignRequest{Mode: "affine", Shapes: squaresRequest("").Shapes}, http.StatusBadRequest, "invalid-options"},
		{"degenerate", collinear, http.StatusUnprocessableEntity, "degenerate-input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHTTPServer(newTestApp(t))
			rec := postAlign(t, h, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q (%s)", resp.Kind, tt.wantKind, resp.Error)
			}
		})
	}
}

func TestAlignEndpointMethod(t *testing.T) {
	h := newHTTPServer(newTestApp(t))
	rec := get(h, "/align")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// /results
// ---------------------------------------------------------------------------

func TestResultsEndpointsEmpty(t *testing.T) {
	h := newHTTPServer(newTestApp(t))
	for _, path := range []string{"/results/latest", "/results/latest/summary", "/results/latest.geojson"} {
		if rec := get(h, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
	if rec := get(h, "/results/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
}

func TestResultsEndpoints(t *testing.T) {
	h := newHTTPServer(newTestApp(t))
	if rec := postAlign(t, h, squaresRequest("first")); rec.Code != http.StatusOK {
		t.Fatalf("align status = %d", rec.Code)
	}
	if rec := postAlign(t, h, squaresRequest("second")); rec.Code != http.StatusOK {
		t.Fatalf("align status = %d", rec.Code)
	}

	t.Run("latest", func(t *testing.T) {
		var doc mesh.ResultDocument
		rec := get(h, "/results/latest")
		if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.RunID != "second" {
			t.Errorf("RunID = %q, want second", doc.RunID)
		}
	})

	t.Run("by id", func(t *testing.T) {
		var doc mesh.ResultDocument
		rec := get(h, "/results/first")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		_ = json.NewDecoder(rec.Body).Decode(&doc)
		if doc.RunID != "first" {
			t.Errorf("RunID = %q, want first", doc.RunID)
		}
	})

	t.Run("list", func(t *testing.T) {
		var body struct {
			RunIDs []string `json:"runIds"`
		}
		_ = json.NewDecoder(get(h, "/results").Body).Decode(&body)
		if len(body.RunIDs) != 2 || body.RunIDs[0] != "second" {
			t.Errorf("runIds = %v", body.RunIDs)
		}
	})

	t.Run("summary", func(t *testing.T) {
		var sum mesh.Summary
		rec := get(h, "/results/latest/summary")
		if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if sum.Shapes != 3 || sum.Landmarks != 4 {
			t.Errorf("summary = %+v", sum)
		}
	})

	t.Run("geojson", func(t *testing.T) {
		rec := get(h, "/results/latest.geojson")
		if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
			t.Errorf("Content-Type = %q", ct)
		}
		fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(fc.Features) != 4 {
			t.Errorf("features = %d, want 4", len(fc.Features))
		}
	})
}
