// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// WebhookConfig WebhookSink 配置
type WebhookConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Retries  int
	RPS      float64 // <=0 不限速
}

// WebhookSink 将事件 POST 到外部传输（如 WebSocket 网关），2xx 视为已投递
type WebhookSink struct {
	client  *resty.Client
	limiter *rate.Limiter
}

type webhookPayload struct {
	UserID string `json:"user_id"`
	Event  Event  `json:"event"`
}

// NewWebhookSink 创建 WebhookSink
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("webhook sink requires endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	s := &WebhookSink{client: client}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return s, nil
}

// Send 实现 Sink
func (s *WebhookSink) Send(ctx context.Context, userID string, ev Event) (bool, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{UserID: userID, Event: ev}).
		Post("")
	if err != nil {
		return false, fmt.Errorf("webhook send: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("webhook send: status %d", resp.StatusCode())
	}
	return true, nil
}
