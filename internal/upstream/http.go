package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPIdentityAuthority consults the main auth service's verify endpoint.
type HTTPIdentityAuthority struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPIdentityAuthority(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPIdentityAuthority {
	return &HTTPIdentityAuthority{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (a *HTTPIdentityAuthority) CheckToken(ctx context.Context, rawToken string) (Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/auth/verify-token", nil)
	if err != nil {
		return VerdictRevoked, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return VerdictRevoked, fmt.Errorf("verify token: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body verifyResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
			return VerdictRevoked, fmt.Errorf("decode verify response: %w: %w", ErrUnavailable, err)
		}
		if !body.Valid {
			return VerdictRevoked, nil
		}
		return VerdictValid, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		// A definite answer from the authority: the token is no good.
		return VerdictRevoked, nil
	default:
		return VerdictRevoked, fmt.Errorf("verify token: %w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// HTTPNotificationGateway posts call notices to the push service.
type HTTPNotificationGateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPNotificationGateway(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPNotificationGateway {
	return &HTTPNotificationGateway{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (g *HTTPNotificationGateway) SendIncomingCall(ctx context.Context, notice CallNotice) error {
	return g.post(ctx, "/api/notifications/incoming-call", notice)
}

func (g *HTTPNotificationGateway) SendMissedCall(ctx context.Context, notice CallNotice) error {
	return g.post(ctx, "/api/notifications/missed-call", notice)
}

func (g *HTTPNotificationGateway) CancelIncomingCall(ctx context.Context, sessionID, calleeID string) error {
	return g.post(ctx, "/api/notifications/cancel", map[string]string{
		"session_id": sessionID,
		"callee_id":  calleeID,
	})
}

func (g *HTTPNotificationGateway) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notice: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("send notice: %w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send notice: status %d", resp.StatusCode)
	}
	return nil
}

// HTTPHistoryStore writes terminal call records to the history service and
// reads per-user history back.
type HTTPHistoryStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPHistoryStore(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPHistoryStore {
	return &HTTPHistoryStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (s *HTTPHistoryStore) RecordCall(ctx context.Context, rec CallRecord) error {
	rec.DurationSecs = int64(rec.Duration / time.Second)
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/history/calls", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build record request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("record call: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("record call: %w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (s *HTTPHistoryStore) History(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	u := fmt.Sprintf("%s/api/history/calls?user_id=%s&limit=%s",
		s.baseURL, url.QueryEscape(userID), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: %w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var records []CallRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}
