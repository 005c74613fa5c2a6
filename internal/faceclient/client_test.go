package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameSubject_Match(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/compare", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://img.example/ref.jpg", req["image_url_1"])
		assert.Equal(t, "https://img.example/cap.jpg", req["image_url_2"])
		_ = json.NewEncoder(w).Encode(CompareResult{Similarity: 0.91, Match: true, Threshold: 0.5})
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	same, err := c.SameSubject(context.Background(), "https://img.example/ref.jpg", "https://img.example/cap.jpg")
	require.NoError(t, err)
	assert.True(t, same)
}

func TestSameSubject_Mismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CompareResult{Similarity: 0.12, Match: false, Threshold: 0.5})
	}))
	defer srv.Close()

	same, err := New(srv.URL, false).SameSubject(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, same)
}

func TestSameSubject_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, false).SameSubject(context.Background(), "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "face service error")
}

func TestSameSubject_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", false)
	_, err := c.SameSubject(context.Background(), "a", "b")
	require.Error(t, err)
}

func TestSkipMode(t *testing.T) {
	c := New("", true)
	same, err := c.SameSubject(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.True(t, same)
	require.NoError(t, c.Health(context.Background()))
}

func TestCompare_MissingURLs(t *testing.T) {
	_, err := New("http://unused", false).Compare(context.Background(), "", "")
	require.Error(t, err)
}
