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

// Pusher delivers a push notification to the interest registered for a
// ticket's client token.
type Pusher interface {
	Publish(ctx context.Context, interest, title, body, deepLink string) error
}

// BeamsClient publishes over the Pusher Beams HTTP API.
type BeamsClient struct {
	instanceID string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

type BeamsOptions struct {
	InstanceID string
	SecretKey  string
	// BaseURL overrides the Beams endpoint, for tests.
	BaseURL string
}

func NewBeamsClient(options BeamsOptions) *BeamsClient {
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.pushnotifications.pusher.com", options.InstanceID)
	}
	return &BeamsClient{
		instanceID: options.InstanceID,
		secretKey:  options.SecretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type beamsPublish struct {
	Interests []string `json:"interests"`
	Web       beamsWeb `json:"web"`
}

type beamsWeb struct {
	Notification beamsNotification `json:"notification"`
}

type beamsNotification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeepLink string `json:"deep_link,omitempty"`
}

func (c *BeamsClient) Publish(ctx context.Context, interest, title, body, deepLink string) error {
	payload, err := json.Marshal(beamsPublish{
		Interests: []string{interest},
		Web: beamsWeb{
			Notification: beamsNotification{
				Title:    title,
				Body:     body,
				DeepLink: deepLink,
			},
		},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/publish_api/v1/instances/%s/publishes/interests", c.baseURL, c.instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("beams publish status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
