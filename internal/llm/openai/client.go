package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"chimera/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	AuditModel string
	Timeout    time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容服务完成代码生成与审计。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	auditModel string
	httpClient *http.Client
}

var _ llm.Service = (*Client)(nil)

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	auditModel := strings.TrimSpace(cfg.AuditModel)
	if auditModel == "" {
		auditModel = model
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		auditModel: auditModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate 以 SSE 流式调用模型，逐段返回生成的文本。
func (c *Client) Generate(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.post(ctx, map[string]any{
			"model": c.model,
			"messages": []message{
				{Role: "system", Content: generatorPrompt},
				{Role: "user", Content: prompt},
			},
			"temperature": 0.2,
			"stream":      true,
		})
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("解析流式响应失败: %w", err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("读取流式响应失败: %w", err))
		}
	}
}

// Audit 请求模型审计源码。模型按约定返回 JSON 时使用其中的分数，否则原文作为报告。
func (c *Client) Audit(ctx context.Context, code string) (llm.Report, error) {
	resp, err := c.post(ctx, map[string]any{
		"model": c.auditModel,
		"messages": []message{
			{Role: "system", Content: auditorPrompt},
			{Role: "user", Content: "Audit this contract:\n\n" + code},
		},
		"temperature": 0,
	})
	if err != nil {
		return llm.Report{}, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return llm.Report{}, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return llm.Report{}, errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return llm.Report{}, errors.New("OpenAI 响应内容为空")
	}
	return parseReport(content), nil
}

func parseReport(content string) llm.Report {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")

	var structured struct {
		Score  *float64 `json:"score"`
		Report string   `json:"report"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &structured); err != nil {
		return llm.Report{Text: content}
	}
	report := llm.Report{Text: structured.Report, Score: structured.Score}
	if strings.TrimSpace(report.Text) == "" {
		report.Text = content
	}
	return report
}

func (c *Client) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

const generatorPrompt = "" +
	"You are a senior Solidity engineer. " +
	"Write a complete, compilable smart contract for the user's request. " +
	"Start with an SPDX license identifier and a pragma, and wrap the source in a single ```solidity fenced block."

const auditorPrompt = "" +
	"You are a smart contract security auditor. " +
	"List every finding on its own line prefixed with its severity (Critical, High, Medium, Low). " +
	"Respond with a JSON object: {\"score\": number 0-100, \"report\": string}. " +
	"The report must end with a line of the form \"Score: N/100\"."
