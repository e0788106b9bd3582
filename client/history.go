package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/snie2012/family-chat-local-ai/api"
)

// HTTPHistory fetches message pages from the HTTP API.
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// FetchMessages returns one page of the conversation, older than cursor when
// cursor is set, in chronological order.
func (h *HTTPHistory) FetchMessages(ctx context.Context, conversationID, cursor string, limit int) (api.MessagePage, error) {
	q := url.Values{"conversationId": {conversationID}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return api.MessagePage{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return api.MessagePage{}, fmt.Errorf("get messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return api.MessagePage{}, fmt.Errorf("get messages: status %d: %s", resp.StatusCode, body.Error)
	}
	var page api.MessagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return api.MessagePage{}, fmt.Errorf("decode messages: %w", err)
	}
	return page, nil
}
