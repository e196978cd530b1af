// Package slack is a minimal Slack Web API client covering the calls the
// briefing service needs: posting messages, resolving channels by name,
// and joining channels.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIURL = "https://slack.com/api"

// Client talks to the Slack Web API with a bot token.
type Client struct {
	token      string
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a Slack client with the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:  token,
		apiURL: defaultAPIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientWithAPIURL creates a client pointing at a custom API base URL.
func NewClientWithAPIURL(token, apiURL string) *Client {
	c := NewClient(token)
	c.apiURL = strings.TrimRight(apiURL, "/")
	return c
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`

	Channels []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// PostMessage posts text to a channel and returns the message timestamp.
// A non-empty threadTS posts the message as a thread reply.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	form := url.Values{
		"channel": {channelID},
		"text":    {text},
	}
	if threadTS != "" {
		form.Set("thread_ts", threadTS)
	}
	resp, err := c.call(ctx, "chat.postMessage", form)
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// FindChannelID resolves a channel name to its ID, paging through
// conversations.list. Returns an error if no channel matches.
func (c *Client) FindChannelID(ctx context.Context, name string) (string, error) {
	cursor := ""
	for {
		form := url.Values{
			"limit": {"1000"},
			"types": {"public_channel,private_channel"},
		}
		if cursor != "" {
			form.Set("cursor", cursor)
		}
		resp, err := c.call(ctx, "conversations.list", form)
		if err != nil {
			return "", err
		}
		for _, ch := range resp.Channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return "", fmt.Errorf("channel %q not found", name)
		}
	}
}

// JoinChannel joins the channel. Already being a member is not an error.
func (c *Client) JoinChannel(ctx context.Context, channelID string) error {
	_, err := c.call(ctx, "conversations.join", url.Values{"channel": {channelID}})
	if err != nil && strings.Contains(err.Error(), "already_in_channel") {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%s failed: %s", method, parsed.Error)
	}
	return &parsed, nil
}
