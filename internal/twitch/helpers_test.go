package twitch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// fakeHelix records every request and answers from a per-route table.
type fakeHelix struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]fakeResponse
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

type fakeResponse struct {
	Status int
	Body   string
}

func newFakeHelix(t *testing.T, routes map[string]fakeResponse) (*fakeHelix, *httptest.Server) {
	t.Helper()
	f := &fakeHelix{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeHelix) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	resp, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		resp = fakeResponse{Status: http.StatusNotFound, Body: `{"error":"Not Found","status":404,"message":"no route"}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func (f *fakeHelix) find(method, path string) (recordedRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}
	return recordedRequest{}, false
}

func (f *fakeHelix) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func testSession() domain.Session {
	return domain.NewSession(domain.CredentialRecord{
		Name:        "main",
		Kind:        domain.KindTwitch,
		Enabled:     true,
		ClientID:    "client-id",
		AccessToken: "access-token",
		AccountID:   "1234",
		Login:       "streamer",
	})
}

func decodeBody(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("request body is not JSON: %v (%s)", err, body)
	}
	return m
}

func echoFor(h echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.GET("/", h)
	return e
}
