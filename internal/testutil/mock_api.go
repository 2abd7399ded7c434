// Package testutil provides a configurable mock upstream API for tests:
// paginated endpoints, an OAuth2 token endpoint, and scripted failures.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
)

// MockAPI is a configurable mock upstream REST API.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requestCount int
	lastQuery    url.Values
}

// NewMockAPI creates a mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastQuery = r.URL.Query()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no handler for path"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastQuery = nil
}

// RequestCount returns the number of requests served.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// LastQuery returns the query parameters of the most recent request.
func (m *MockAPI) LastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery
}

// SetHandler sets a custom handler for a path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ServeCursorPages installs a cursor-paginated endpoint. Page 0 is served for
// the empty cursor; page i responds with next_cursor "c<i+1>" until the last
// page, which carries no next cursor.
func (m *MockAPI) ServeCursorPages(path string, pages [][]map[string]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")

		index := 0
		if cursor != "" {
			n, err := strconv.Atoi(cursor[1:])
			if err != nil || n < 0 || n >= len(pages) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"unknown cursor"}`))
				return
			}
			index = n
		}

		next := ""
		if index+1 < len(pages) {
			next = "c" + strconv.Itoa(index+1)
		}

		writeJSON(w, map[string]any{
			"data": pages[index],
			"meta": map[string]any{"next_cursor": next},
		})
	})
}

// ServeCursorLoop installs a cursor endpoint that always returns the same
// next cursor, simulating a server stuck in a pagination loop.
func (m *MockAPI) ServeCursorLoop(path string, records []map[string]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": records,
			"meta": map[string]any{"next_cursor": "stuck"},
		})
	})
}

// ServeOffsetPages installs an offset-paginated endpoint over the given
// records, slicing by the offset and limit query parameters and reporting
// the full total.
func (m *MockAPI) ServeOffsetPages(path string, records []map[string]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		if offset < 0 || offset > len(records) {
			offset = len(records)
		}

		end := offset + limit
		if end > len(records) {
			end = len(records)
		}

		writeJSON(w, map[string]any{
			"items":  records[offset:end],
			"total":  len(records),
			"offset": offset,
			"limit":  limit,
		})
	})
}

// ServeTokenEndpoint installs an OAuth2 client_credentials token endpoint
// issuing the given token.
func (m *MockAPI) ServeTokenEndpoint(path, token string, expiresIn int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unsupported_grant_type"}`))
			return
		}
		writeJSON(w, map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	})
}

// FailFirst wraps a handler so the first n requests to the path return the
// given status before delegating.
func (m *MockAPI) FailFirst(path string, n, status int, then http.HandlerFunc) {
	var mu sync.Mutex
	failed := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldFail := failed < n
		if shouldFail {
			failed++
		}
		mu.Unlock()

		if shouldFail {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"scripted failure"}`))
			return
		}
		then(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
