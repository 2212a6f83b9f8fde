// Package notify sends messages to the operator's Telegram chat. Delivery is
// best-effort; callers treat failures as log-and-continue.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Button is one inline-keyboard button; Payload comes back verbatim as the
// callback data when the operator taps it.
type Button struct {
	Label   string
	Payload string
}

// MaxPayloadBytes is Telegram's callback_data size limit. Buttons whose
// payload would exceed it must not be sent.
const MaxPayloadBytes = 64

type Client struct {
	hc      *http.Client
	baseURL string
	token   string
	chatID  string
}

func NewClient(token, chatID string) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
	}
}

// WithBaseURL points the client at a different API host. Used in tests.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// Enabled reports whether credentials are configured. A disabled client
// silently accepts sends, matching "notifications not set up" semantics.
func (c *Client) Enabled() bool {
	return c.token != "" && c.chatID != ""
}

func (c *Client) Send(ctx context.Context, text string) error {
	if !c.Enabled() {
		return nil
	}
	return c.sendMessage(ctx, map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}

func (c *Client) SendButtons(ctx context.Context, text string, rows [][]Button) error {
	if !c.Enabled() {
		return nil
	}

	keyboard := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		btns := make([]map[string]string, 0, len(row))
		for _, b := range row {
			btns = append(btns, map[string]string{
				"text":          b.Label,
				"callback_data": b.Payload,
			})
		}
		keyboard = append(keyboard, btns)
	}

	return c.sendMessage(ctx, map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
		"reply_markup":             map[string]any{"inline_keyboard": keyboard},
	})
}

func (c *Client) sendMessage(ctx context.Context, payload map[string]any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var apiErr struct {
			Description string `json:"description"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Description != "" {
			return fmt.Errorf("telegram: %s (status=%d)", apiErr.Description, res.StatusCode)
		}
		return fmt.Errorf("telegram: status=%d", res.StatusCode)
	}
	return nil
}
