package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway sends notifications through an Expo-style mobile push gateway:
// one JSON message per POST, answered with a delivery ticket.
type Gateway struct {
	url         string
	accessToken string
	client      *http.Client
}

// NewGateway creates a gateway sender. accessToken is optional; client may be nil.
func NewGateway(url, accessToken string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Gateway{url: url, accessToken: accessToken, client: client}
}

type gatewayMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
}

type gatewayTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type gatewayResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send posts n to the gateway for the device token in t.
func (g *Gateway) Send(ctx context.Context, t Target, n Notification) error {
	body, err := json.Marshal(gatewayMessage{
		To:    t.Token,
		Title: n.Title,
		Body:  n.Body,
		Data:  n.Data,
		Sound: "default",
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.accessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway: status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	// Generic gateways may acknowledge with an empty body.
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var gr gatewayResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("gateway: %s: %s", gr.Errors[0].Code, gr.Errors[0].Message)
	}

	ticket, err := decodeTicket(gr.Data)
	if err != nil {
		return err
	}
	if ticket.Status == "error" {
		if ticket.Details.Error == "DeviceNotRegistered" {
			return fmt.Errorf("%w: %s", ErrGone, ticket.Message)
		}
		return fmt.Errorf("gateway ticket: %s: %s", ticket.Details.Error, ticket.Message)
	}
	return nil
}

// decodeTicket accepts both a single ticket object and a one-element array.
func decodeTicket(data json.RawMessage) (gatewayTicket, error) {
	var t gatewayTicket
	if len(data) == 0 {
		return t, nil
	}
	if data[0] == '[' {
		var list []gatewayTicket
		if err := json.Unmarshal(data, &list); err != nil {
			return t, fmt.Errorf("decode tickets: %w", err)
		}
		if len(list) > 0 {
			t = list[0]
		}
		return t, nil
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode ticket: %w", err)
	}
	return t, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
