package middleware

import (
	"net/http"

	"github.com/fleetcheck/validator-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
