package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emailassist/emailassist/internal/trace"
)

func TestHTTPClientRequestShape(t *testing.T) {
	var gotMethod, gotPath, gotContentType, gotTrace string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotTrace = r.Header.Get(trace.HeaderName)
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"category":"Support","reply":"Thanks for reaching out.","tokens_used":42}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	ctx := trace.WithContext(context.Background(), "abc123")

	res, err := c.Process(ctx, "Hi, my order is late")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/process-email", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "abc123", gotTrace)
	assert.Equal(t, map[string]any{"email_text": "Hi, my order is late"}, gotBody)

	assert.Equal(t, "Support", res.Category)
	assert.Equal(t, "Thanks for reaching out.", res.Reply)
	require.NotNil(t, res.TokensUsed)
	assert.Equal(t, 42, *res.TokensUsed)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHTTPClientFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "detail string",
			status:     http.StatusInternalServerError,
			body:       `{"detail":"Model unavailable"}`,
			wantKind:   KindBackendRejected,
			wantStatus: 500,
			wantMsg:    "Model unavailable",
		},
		{
			name:       "no detail",
			status:     http.StatusInternalServerError,
			body:       `{}`,
			wantKind:   KindBackendRejected,
			wantStatus: 500,
			wantMsg:    FallbackMessage,
		},
		{
			name:       "empty detail",
			status:     http.StatusNotFound,
			body:       `{"detail":""}`,
			wantKind:   KindBackendRejected,
			wantStatus: 404,
			wantMsg:    FallbackMessage,
		},
		{
			name:       "prompt missing",
			status:     http.StatusNotFound,
			body:       `{"detail":"Prompt not found"}`,
			wantKind:   KindBackendRejected,
			wantStatus: 404,
			wantMsg:    "Prompt not found",
		},
		{
			name:       "validation detail list",
			status:     http.StatusUnprocessableEntity,
			body:       `{"detail":[{"loc":["body","email_text"],"msg":"Field required","type":"missing"},{"msg":"Input should be a valid string"}]}`,
			wantKind:   KindBackendRejected,
			wantStatus: 422,
			wantMsg:    "Field required; Input should be a valid string",
		},
		{
			name:       "non-json failure body",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantKind:   KindBackendRejected,
			wantStatus: 502,
			wantMsg:    FallbackMessage,
		},
		{
			name:     "malformed success body",
			status:   http.StatusOK,
			body:     `{"category":`,
			wantKind: KindTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL).Process(context.Background(), "text")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))

			if tt.wantKind == KindBackendRejected {
				var be *BackendError
				require.ErrorAs(t, err, &be)
				assert.Equal(t, tt.wantStatus, be.StatusCode)
				assert.Equal(t, tt.wantMsg, err.Error())
			}
		})
	}
}

func TestHTTPClientNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(addr).Process(context.Background(), "text")
	require.Error(t, err)

	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestHTTPClientMissingTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"category":"Work","reply":"Noted."}`)
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL).Process(context.Background(), "text")
	require.NoError(t, err)
	assert.Nil(t, res.TokensUsed)
	assert.Equal(t, "Work", res.Category)
}
