package telematics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/model"
)

func TestCommandClientSend(t *testing.T) {
	t.Run("posts the integer command code", func(t *testing.T) {
		var got commandRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/command", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewCommandClient(server.URL, "", 5*time.Second)

		require.NoError(t, client.Send(context.Background(), "8A551002", model.CommandLock))
		assert.Equal(t, commandRequest{ESN: "8A551002", Command: 1}, got)

		require.NoError(t, client.Send(context.Background(), "8A551002", model.CommandBuzzerOff))
		assert.Equal(t, 4, got.Command)
	})

	t.Run("rejects an unknown command kind without a call", func(t *testing.T) {
		client := NewCommandClient("http://127.0.0.1:1", "", time.Second)
		err := client.Send(context.Background(), "8A551002", model.CommandKind("reboot"))
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	})

	t.Run("non-2xx is a transport error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewCommandClient(server.URL, "", 5*time.Second)
		err := client.Send(context.Background(), "8A551002", model.CommandUnlock)
		assert.Equal(t, apperrors.ErrCodeTransportError, apperrors.GetCode(err))
	})

	t.Run("slow endpoint is a transport timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		client := NewCommandClient(server.URL, "", 20*time.Millisecond)
		err := client.Send(context.Background(), "8A551002", model.CommandLock)
		assert.Equal(t, apperrors.ErrCodeTransportTimeout, apperrors.GetCode(err))
	})
}
