package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends chat messages through the Telegram Bot API.
type TelegramNotifier struct {
	client *http.Client
	api    string
	token  string
}

func NewTelegramNotifier(client *http.Client, apiURL, token string) *TelegramNotifier {
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &TelegramNotifier{client: client, api: strings.TrimRight(apiURL, "/"), token: token}
}

func (t *TelegramNotifier) Send(ctx context.Context, chatID, text string) error {
	if t.token == "" {
		return fmt.Errorf("%w: telegram bot token not configured", ErrCollaboratorUnavailable)
	}
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	ep := endpoint{
		url:     t.api + "/bot" + t.token + "/sendMessage",
		display: t.api + "/bot<redacted>/sendMessage",
	}
	return postJSON(ctx, t.client, ep, body, nil)
}

// HTTPMailNotifier posts {to, subject, message} to the mail service.
type HTTPMailNotifier struct {
	client *http.Client
	url    string
}

func NewHTTPMailNotifier(client *http.Client, url string) *HTTPMailNotifier {
	return &HTTPMailNotifier{client: client, url: url}
}

func (m *HTTPMailNotifier) Send(ctx context.Context, to, subject, message string) error {
	body, err := json.Marshal(struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Message string `json:"message"`
	}{to, subject, message})
	if err != nil {
		return err
	}
	return postJSON(ctx, m.client, plain(m.url), body, nil)
}
