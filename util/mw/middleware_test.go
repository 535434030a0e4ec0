package mw_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	glog "log"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/util/log"
	"github.com/wkalt/cstore/util/mw"
)

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	buf := &bytes.Buffer{}
	glog.SetOutput(buf)
	defer func() {
		glog.SetOutput(os.Stderr)
	}()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof(r.Context(), "test")
	})
	t.Run("generated", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
		require.NoError(t, err)
		recorder := httptest.NewRecorder()
		mw.WithRequestID(handler).ServeHTTP(recorder, req)
		require.Contains(t, buf.String(), "request_id")
		require.NotEmpty(t, recorder.Header().Get(mw.RequestIDHeader))
	})
	t.Run("supplied", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
		require.NoError(t, err)
		req.Header.Set(mw.RequestIDHeader, "abc123")
		recorder := httptest.NewRecorder()
		mw.WithRequestID(handler).ServeHTTP(recorder, req)
		require.Contains(t, buf.String(), "abc123")
		require.Equal(t, "abc123", recorder.Header().Get(mw.RequestIDHeader))
	})
}

func TestWithCORSAllowedOrigins(t *testing.T) {
	handler := mw.WithCORSAllowedOrigins([]string{"http://allowed"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)
	cases := []struct {
		assertion      string
		method         string
		origin         string
		expectedCode   int
		expectedOrigin string
	}{
		{"allowed origin", http.MethodGet, "http://allowed", http.StatusTeapot, "http://allowed"},
		{"other origin", http.MethodGet, "http://other", http.StatusTeapot, ""},
		{"preflight", http.MethodOptions, "http://allowed", http.StatusOK, "http://allowed"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			req := httptest.NewRequest(c.method, "/", nil)
			req.Header.Set("Origin", c.origin)
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)
			require.Equal(t, c.expectedCode, recorder.Code)
			require.Equal(t, c.expectedOrigin, recorder.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestWithAccessLogPassesStatus(t *testing.T) {
	handler := mw.WithAccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestWithSharedKeyAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	cases := []struct {
		assertion    string
		key          string
		header       string
		expectedCode int
	}{
		{"no key configured", "", "", http.StatusOK},
		{"matching token", "secret", "Bearer secret", http.StatusOK},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong scheme", "secret", "Basic secret", http.StatusUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			recorder := httptest.NewRecorder()
			mw.WithSharedKeyAuth(c.key)(ok).ServeHTTP(recorder, req)
			require.Equal(t, c.expectedCode, recorder.Code)
		})
	}
}
