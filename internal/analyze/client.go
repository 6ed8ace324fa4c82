// Package analyze enriches captured items through an OpenAI-compatible
// chat-completions endpoint. Failures degrade, never block: the caller gets
// an Analysis marked Unavailable and delivers the raw item.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"nitwatch/internal/model"
	"nitwatch/pkg/logx"
)

// ErrUnavailable covers every non-fatal analysis failure: network errors,
// non-200 responses, empty or unparseable completions.
var ErrUnavailable = errors.New("analysis unavailable")

const (
	defaultModel   = "deepseek-chat"
	defaultTimeout = 45 * time.Second

	defaultSystemPrompt = "你是一个社交媒体内容分析助手。对给定的帖子内容，输出四个部分：" +
		"【中文翻译】完整的中文翻译；【内容概要】一句话概括；【关键标签】以#分隔的标签；【重点提示】内容类别或需要注意的要点。"
)

// Config mirrors the analysis block of the app config, with the API key
// resolved from the environment at construction time.
type Config struct {
	URL          string
	Key          string
	Model        string
	Timeout      time.Duration
	SystemPrompt string
	UserPrompt   string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// KeyFromEnv resolves the API key named by keyEnv. An empty result is not an
// error here; the caller decides whether analysis is mandatory.
func KeyFromEnv(keyEnv string) string {
	if keyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(keyEnv))
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends one item's content for enrichment. Any failure returns an
// Unavailable analysis together with an ErrUnavailable-wrapped cause.
func (c *Client) Analyze(ctx context.Context, item model.Item) (model.Analysis, error) {
	if c.cfg.URL == "" || c.cfg.Key == "" {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: not configured", ErrUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: c.userContent(item)},
		},
	})
	if err != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Key)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cr.Error != nil {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: %s", ErrUnavailable, cr.Error.Message)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return model.Analysis{Unavailable: true}, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}

	return parseCompletion(cr.Choices[0].Message.Content), nil
}

func (c *Client) userContent(item model.Item) string {
	var b strings.Builder
	if c.cfg.UserPrompt != "" {
		b.WriteString(c.cfg.UserPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(item.Content)
	if item.IsQuote && item.QuoteText != "" {
		b.WriteString("\n\n引用 @")
		b.WriteString(item.QuoteAuthor)
		b.WriteString(": ")
		b.WriteString(item.QuoteText)
	}
	return b.String()
}
