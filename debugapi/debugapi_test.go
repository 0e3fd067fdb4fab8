package debugapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

type fakeConn struct {
	phase string
	depth int
}

func (f *fakeConn) Phase() string  { return f.phase }
func (f *fakeConn) QueueDepth() int { return f.depth }

func newTestRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/debug/queue", s.queueHandler).Methods("GET")
	return r
}

func TestHealthz_Ready(t *testing.T) {
	s := New(&fakeConn{phase: "ready", depth: 0}, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ready") {
		t.Error("expected body to report phase=ready")
	}
}

func TestHealthz_Terminating(t *testing.T) {
	s := New(&fakeConn{phase: "terminating"}, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestDebugQueue(t *testing.T) {
	s := New(&fakeConn{phase: "busy-simple", depth: 3}, nil)
	r := newTestRouter(s)

	req := httptest.NewRequest("GET", "/debug/queue", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `"depth":3`) {
		t.Errorf("expected depth 3 in response, got %s", body)
	}
}
