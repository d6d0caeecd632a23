package redirect

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/httpfs/internal/config"
	"example.com/httpfs/internal/http1"
	"example.com/httpfs/internal/logger"
)

func TestRedirect(t *testing.T) {
	h, err := New(config.Route{PathPattern: "/old", Target: "/new/"}, logger.NewTestLogger(io.Discard))
	require.NoError(t, err)

	resp := h.Handle(&http1.Request{Method: "GET", Path: "/old"})
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "Found", resp.Reason)
	loc, ok := resp.Header("Location")
	require.True(t, ok)
	assert.Equal(t, "/new/", loc)
	assert.Contains(t, string(resp.Body), "/new/")
}

func TestRedirect_MissingTarget(t *testing.T) {
	_, err := New(config.Route{PathPattern: "/old"}, logger.NewTestLogger(io.Discard))
	require.Error(t, err)
}
