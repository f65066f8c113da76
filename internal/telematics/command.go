package telematics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/model"
)

// CommandClient dispatches a single remote command (lock, unlock, buzzer)
// to a device. The endpoint answers success or failure only.
type CommandClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCommandClient(baseURL, apiKey string, timeout time.Duration) *CommandClient {
	return &CommandClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type commandRequest struct {
	ESN     string `json:"esn"`
	Command int    `json:"command"`
}

func (c *CommandClient) Send(ctx context.Context, esn string, kind model.CommandKind) error {
	code := kind.Code()
	if code == 0 {
		return apperrors.InvalidInput("command", string(kind))
	}

	body, err := json.Marshal(commandRequest{ESN: esn, Command: code})
	if err != nil {
		return apperrors.Internal("marshal command request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return apperrors.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			log.Warn().Err(err).Str("esn", esn).Str("command", string(kind)).Msg("command dispatch timed out")
			return apperrors.TransportTimeout(err)
		}
		log.Warn().Err(err).Str("esn", esn).Str("command", string(kind)).Msg("command dispatch failed")
		return apperrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("esn", esn).
			Str("command", string(kind)).
			Msg("command endpoint rejected dispatch")
		return apperrors.TransportError(fmt.Errorf("command endpoint status %d", resp.StatusCode))
	}

	log.Info().
		Str("esn", esn).
		Str("command", string(kind)).
		Int("code", code).
		Dur("elapsed", elapsed).
		Msg("command dispatched")

	return nil
}
