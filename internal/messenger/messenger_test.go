package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
}

func TestClient_Post(t *testing.T) {
	s := signer.New(42, "secret")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "900", r.Header.Get(HeaderUserID))
		assert.Equal(t, "42", r.Header.Get(HeaderProfileID))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.True(t, s.Verify(body, r.Header.Get(HeaderSignature)))

		var in payload
		assert.NoError(t, json.Unmarshal(body, &in))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload{Name: in.Name + "-echo"})
	}))
	defer server.Close()

	c := NewClient("token-1", s, nil)

	var out payload
	require.NoError(t, c.Post(context.Background(), server.URL, payload{Name: "section"}, &out, 900))
	assert.Equal(t, "section-echo", out.Name)
}

func TestClient_GetSecure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(payload{Name: "pool"})
	}))
	defer server.Close()

	var out payload
	require.NoError(t, NewClient("", nil, nil).GetSecure(context.Background(), server.URL, &out, 1))
	assert.Equal(t, "pool", out.Name)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		check    func(t *testing.T, err error)
		wantCode string
	}{
		{
			name:   "remote error body",
			status: http.StatusBadRequest,
			body:   `{"type":"bitmunk.sell.ContractNotFound","message":"no such contract"}`,
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				require.ErrorAs(t, err, &netErr)
				assert.Equal(t, http.StatusBadRequest, netErr.StatusCode)
				assert.Equal(t, "no such contract", netErr.APIMessage)
			},
			wantCode: "bitmunk.sell.ContractNotFound",
		},
		{
			name:   "plain server error",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				require.ErrorAs(t, err, &netErr)
				assert.Equal(t, "Bad Gateway", netErr.APIMessage)
			},
			wantCode: NetworkCode,
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, "post", authErr.Operation)
			},
			wantCode: "bitmunk.net.NotAuthenticated",
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   "{",
			check: func(t *testing.T, err error) {
				var netErr *NetworkError
				require.ErrorAs(t, err, &netErr)
				assert.Equal(t, "malformed response body", netErr.APIMessage)
			},
			wantCode: NetworkCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var out payload
			err := NewClient("t", nil, nil).Post(context.Background(), server.URL, payload{}, &out, 1)
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.wantCode, purchase.Code(err))
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewClient("", nil, nil).Post(context.Background(), url, nil, nil, 1)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Zero(t, netErr.StatusCode)
	assert.NotNil(t, errors.Unwrap(netErr))
}

func TestClient_PostStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Trailer", "Bitmunk-Piece-Size")
		_, _ = w.Write([]byte("0123456789"))
		w.Header().Set("Bitmunk-Piece-Size", "10")
	}))
	defer server.Close()

	resp, err := NewClient("", nil, nil).PostStream(context.Background(), server.URL, payload{}, 1)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, "10", resp.Trailer.Get("Bitmunk-Piece-Size"))
}
