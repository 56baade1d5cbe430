package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/courier"
	logx "courier/pkg/logx"
)

func TestHTTPSubmit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody = make([]byte, r.ContentLength)
		_, _ = r.Body.Read(gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"correlation_id":"c-42"}`))
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{URL: srv.URL, Token: "tok"}, logx.Nop())
	require.NoError(t, err)

	id, err := b.Submit(context.Background(), "s1", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "c-42", id)
	assert.Equal(t, "/v1/sessions/s1/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []byte("payload"), gotBody)
}

func TestHTTPSubmit5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), "s1", nil)
	require.ErrorIs(t, err, courier.ErrTransientNetwork)
}

func TestHTTPSubmit4xxIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), "s1", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, courier.ErrTransientNetwork)
}

func TestHTTPSubmitMissingCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	b, err := NewHTTP(HTTPConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), "s1", nil)
	require.Error(t, err)
}

func TestFakeRecordsSubmissions(t *testing.T) {
	f := NewFake()
	id, err := f.Submit(context.Background(), "s1", []byte("a"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	subs := f.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].CorrelationID)
}
