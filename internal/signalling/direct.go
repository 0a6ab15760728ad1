package signalling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SessionPath is the device endpoint that answers offers
const SessionPath = "/webrtc/session"

// SessionMessage is the body of both the offer request and the answer response
type SessionMessage struct {
	SD string `json:"sd"`
}

// HTTPExchanger posts the offer straight to the device
type HTTPExchanger struct {
	client  *http.Client
	baseURL string
}

// NewHTTPExchanger creates an exchanger for the device at baseURL. A nil client uses http.DefaultClient.
func NewHTTPExchanger(client *http.Client, baseURL string) *HTTPExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExchanger{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, offer string) (string, error) {
	body, err := json.Marshal(SessionMessage{SD: offer})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+SessionPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("device returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var answer SessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return "", fmt.Errorf("failed to decode session answer: %w", err)
	}
	if answer.SD == "" {
		return "", fmt.Errorf("device returned an empty answer")
	}
	return answer.SD, nil
}
