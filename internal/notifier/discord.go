package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/peerbuy_downloader/internal/events"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Sink turns completion, assembly and exception events into notifications.
type Sink struct {
	Notifier Notifier
}

func (s *Sink) Name() string {
	return "discord"
}

func (s *Sink) Handle(ctx context.Context, e events.Event) error {
	var content string

	switch e.Type {
	case events.DownloadCompleted:
		content = fmt.Sprintf("Download %d completed", e.DownloadStateID)
	case events.AssemblyCompleted:
		content = fmt.Sprintf("Files of download %d assembled", e.DownloadStateID)
	case events.Exception:
		content = fmt.Sprintf("Download %d failed: %v (%v)", e.DownloadStateID, e.Details["message"], e.Details["code"])
	default:
		return nil
	}

	return s.Notifier.Notify(ctx, content)
}
