package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const pushDeerEndpoint = "https://api2.pushdeer.com/message/push"

// PushDeer pushes through the PushDeer message API.
type PushDeer struct {
	name     string
	key      string
	endpoint string
	http     *http.Client
}

func NewPushDeer(name, key string) *PushDeer {
	return &PushDeer{
		name:     name,
		key:      key,
		endpoint: pushDeerEndpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *PushDeer) Name() string { return d.name }

func (d *PushDeer) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(map[string]string{
		"pushkey": d.key,
		"text":    p.Title,
		"desp":    p.Body,
		"type":    "markdown",
	})
	if err != nil {
		return fmt.Errorf("pushdeer marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pushdeer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("pushdeer send: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushdeer send: status %d", resp.StatusCode)
	}

	// The API reports quota and key errors inside a 200 body.
	var reply struct {
		Code  int    `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &reply); err == nil && reply.Code != 0 {
		return fmt.Errorf("pushdeer send: code %d %s", reply.Code, reply.Error)
	}
	return nil
}
