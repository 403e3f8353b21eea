package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

var slackColors = map[Level]string{
	Info:     "#36a64f",
	Warning:  "#ffcc00",
	Error:    "#ff0000",
	Critical: "#8b0000",
}

func (s *SlackChannel) Send(ctx context.Context, p Payload) error {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{"title": k, "value": p.Fields[k], "short": true})
	}

	body, err := json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color":   slackColors[p.Level],
			"pretext": fmt.Sprintf("[%s] %s", p.Level, p.Title),
			"text":    p.Message,
			"fields":  fields,
			"ts":      p.Timestamp.Unix(),
			"footer":  "gridguard",
		}},
	})
	if err != nil {
		return err
	}
	return post(ctx, s.client, s.webhookURL, body, "slack webhook")
}

func post(ctx context.Context, client *http.Client, url string, body []byte, what string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed with status: %d", what, resp.StatusCode)
	}
	return nil
}
