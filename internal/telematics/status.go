package telematics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetcheck/validator-server-go/internal/config"
	apperrors "github.com/fleetcheck/validator-server-go/internal/errors"
	"github.com/fleetcheck/validator-server-go/internal/model"
)

// statusRecord is one element of the device-status endpoint response.
type statusRecord struct {
	Ignition    string `json:"ignition"`
	PanicTime   string `json:"panic_time"`
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
	EventTime   string `json:"event_time"`
	MapURL      string `json:"map_url"`
	LockState   string `json:"lock_state"`
	BuzzerState string `json:"buzzer_state"`
}

// StatusClient reads one normalized snapshot per call from the remote
// device-status endpoint.
type StatusClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewStatusClient(baseURL, apiKey string, timeout time.Duration) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsSentinelESN reports whether the serial is the all-zero demo fixture.
func IsSentinelESN(esn string) bool {
	if esn == "" {
		return false
	}
	return strings.Trim(esn, "0") == ""
}

// Fetch queries the status endpoint for one ESN. A missing or empty result
// list means the device has not reported yet and yields (nil, nil).
func (c *StatusClient) Fetch(ctx context.Context, esn string) (*model.StatusSnapshot, error) {
	if esn == "" {
		return nil, apperrors.MissingRequired("esn")
	}

	// Demo fixture: the all-zero serial never touches the network. It
	// synthesizes an ignition-on snapshot with a fixed coordinate after a
	// short artificial delay so the UI flow can be exercised end to end.
	if IsSentinelESN(esn) {
		return c.sentinelSnapshot(ctx, esn)
	}

	endpoint := fmt.Sprintf("%s/status?esn=%s", c.baseURL, url.QueryEscape(esn))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.TransportError(err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) {
			log.Warn().Err(err).Str("esn", esn).Dur("elapsed", elapsed).Msg("status query timed out")
			return nil, apperrors.TransportTimeout(err)
		}
		log.Warn().Err(err).Str("esn", esn).Dur("elapsed", elapsed).Msg("status query failed")
		return nil, apperrors.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("esn", esn).Msg("status endpoint returned error")
		return nil, apperrors.MalformedResponse(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	var records []statusRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, apperrors.MalformedResponse(err.Error())
	}

	// An empty list means no report this tick, not an error.
	if len(records) == 0 {
		log.Debug().Str("esn", esn).Msg("status endpoint returned no records")
		return nil, nil
	}

	rec := records[0]
	snap := &model.StatusSnapshot{
		ESN:         esn,
		Ignition:    rec.Ignition == "1",
		PanicTime:   rec.PanicTime,
		EventTime:   rec.EventTime,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		MapURL:      rec.MapURL,
		LockState:   rec.LockState,
		BuzzerState: rec.BuzzerState,
	}

	log.Debug().
		Str("esn", esn).
		Bool("ignition", snap.Ignition).
		Dur("elapsed", elapsed).
		Msg("status snapshot fetched")

	return snap, nil
}

func (c *StatusClient) sentinelSnapshot(ctx context.Context, esn string) (*model.StatusSnapshot, error) {
	select {
	case <-ctx.Done():
		return nil, apperrors.TransportTimeout(ctx.Err())
	case <-time.After(config.SentinelDelay):
	}

	now := time.Now().Format(EventTimeLayout)
	return &model.StatusSnapshot{
		ESN:       esn,
		Ignition:  true,
		EventTime: now,
		Latitude:  "-23.561684",
		Longitude: "-46.655981",
		MapURL:    "https://maps.google.com/?q=-23.561684,-46.655981",
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
