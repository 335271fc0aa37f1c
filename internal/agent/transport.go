package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/internal/version"
)

const (
	heartbeatPath   = "/api/hosts/heartbeat"
	maxResponseBody = 10 << 20
)

// Transport delivers one report. A non-nil error means no HTTP response was
// received; every status code comes back as an outcome.
type Transport interface {
	Send(ctx context.Context, payload ReportPayload) (*ReportOutcome, error)
}

type HTTPTransport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        logrus.FieldLogger
	debug      bool
}

func NewHTTPTransport(apiURL, apiKey string, debug bool, log logrus.FieldLogger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: strings.TrimRight(apiURL, "/") + heartbeatPath,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		log:   log.WithField("component", "transport"),
		debug: debug,
	}
}

func (h *HTTPTransport) Send(ctx context.Context, payload ReportPayload) (*ReportOutcome, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Request-ID", requestID)

	log := h.log.WithField("request_id", requestID)
	if h.debug {
		log.WithField("body", string(jsonData)).Debug("Sending heartbeat")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	log.WithField("status", resp.StatusCode).Debug("Heartbeat response received")
	if h.debug && len(respBody) > 0 {
		log.WithField("body", string(respBody)).Debug("Heartbeat response body")
	}

	outcome := &ReportOutcome{StatusCode: resp.StatusCode}
	outcome.RetryAfter, outcome.HasRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	if outcome.Success() && len(bytes.TrimSpace(respBody)) > 0 {
		var decoded HeartbeatResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			outcome.DecodeErr = fmt.Errorf("failed to unmarshal response: %w", err)
		} else {
			outcome.Response = &decoded
		}
	}

	return outcome, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}
