package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 以 JSON POST 调用钉钉或 Slack 的 incoming webhook。
type WebhookSender struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookSender 创建带超时的 webhook 发送器。
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{URL: url, HTTPClient: &http.Client{Timeout: timeout}}
}

// Send 以钉钉文本消息格式发送。
func (w *WebhookSender) Send(ctx context.Context, content string) error {
	return w.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回向 Slack 发送消息的适配器。
func (w *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{w}
}

type slackWebhook struct {
	w *WebhookSender
}

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.w.post(ctx, map[string]string{"channel": channel, "text": content})
}

func (w *WebhookSender) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
