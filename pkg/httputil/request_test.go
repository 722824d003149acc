package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "unknown field", body: `{"name": "test", "extra": 1}`, expectError: true},
	}

	type payload struct {
		Name string `json:"name"`
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			var dest payload

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest.Name)
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`{invalid}`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/roles/PMC_ADMIN", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "PMC_ADMIN"})

	val, err := ParsePathString(req, "name")
	require.NoError(t, err)
	assert.Equal(t, "PMC_ADMIN", val)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, req, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?limit=10&bad=abc", nil)

	val, err := ParseQueryInt(req, "limit", 5)
	require.NoError(t, err)
	assert.Equal(t, 10, val)

	val, err = ParseQueryInt(req, "missing", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, val)

	_, err = ParseQueryInt(req, "bad", 5)
	assert.Error(t, err)
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?status=sent", nil)

	assert.Equal(t, "sent", ParseQueryString(req, "status", ""))
	assert.Equal(t, "json", ParseQueryString(req, "format", "json"))
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		limit       int
		offset      int
		expectError bool
	}{
		{name: "defaults", query: "", limit: 50, offset: 0},
		{name: "explicit", query: "?limit=20&offset=40", limit: 20, offset: 40},
		{name: "zero limit", query: "?limit=0", expectError: true},
		{name: "limit too large", query: "?limit=501", expectError: true},
		{name: "negative offset", query: "?offset=-1", expectError: true},
		{name: "not a number", query: "?limit=ten", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test"+tt.query, nil)
			limit, offset, err := ParsePage(req, 50)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.offset, offset)
		})
	}
}
