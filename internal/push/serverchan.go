package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const serverChanEndpoint = "https://3233.push.ft07.com/send/%s.send"

// ServerChan pushes through the ServerChan3 API. Tags are appended to the
// title as " #a#b" so they surface in the channel's own filtering.
type ServerChan struct {
	name     string
	tags     []string
	endpoint string
	http     *http.Client
}

func NewServerChan(name, key string, tags []string) *ServerChan {
	return &ServerChan{
		name:     name,
		tags:     tags,
		endpoint: fmt.Sprintf(serverChanEndpoint, key),
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *ServerChan) Name() string { return s.name }

func (s *ServerChan) Send(ctx context.Context, p Payload) error {
	title := p.Title
	if len(s.tags) > 0 {
		title += " #" + strings.Join(s.tags, "#")
	}
	body, err := json.Marshal(map[string]string{
		"text": title,
		"desp": p.Body,
		"type": "markdown",
	})
	if err != nil {
		return fmt.Errorf("serverchan marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("serverchan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("serverchan send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("serverchan send: status %d", resp.StatusCode)
	}
	return nil
}
