package routes

import (
	"net/http/httptest"
	"testing"

	"github.com/wkalt/cstore/keyspace"
)

// MakeTestRoutes serves the routes for reg on a test server, returning its
// URL and a function that stops it.
func MakeTestRoutes(t *testing.T, reg *keyspace.Registry, sharedKey string) (string, func()) {
	t.Helper()
	handler := MakeRoutes(reg, nil, sharedKey)
	srv := httptest.NewServer(handler)
	return srv.URL, srv.Close
}
