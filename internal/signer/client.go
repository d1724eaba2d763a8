// Package signer talks to the external signing service that signs anchor
// lists before they are broadcast.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the service rejects the bearer token.
var ErrUnauthorized = errors.New("signing service rejected the token")

// SignedMessage is the service's answer: the message as signed and the
// signature blob. The client does not verify the signature.
type SignedMessage struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Client handles communication with the signing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new signing service client.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Message string `json:"message"`
}

// Sign asks the service to sign message on behalf of the administrator
// holding token.
func (c *Client) Sign(ctx context.Context, token, message string) (SignedMessage, error) {
	body, err := json.Marshal(signRequest{Message: message})
	if err != nil {
		return SignedMessage{}, fmt.Errorf("failed to encode sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return SignedMessage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("sign request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SignedMessage{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SignedMessage{}, fmt.Errorf("sign returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var signed SignedMessage
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return SignedMessage{}, fmt.Errorf("failed to decode sign response: %w", err)
	}
	if signed.Signature == "" {
		return SignedMessage{}, errors.New("sign response carries no signature")
	}
	if signed.Message == "" {
		signed.Message = message
	}
	return signed, nil
}
