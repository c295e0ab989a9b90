// Package notify доставляет уведомления о бронированиях и листе ожидания во внешний канал.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/activity-booking/internal/metrics"
	"github.com/mmeshcher/activity-booking/internal/model"
)

const defaultQueueSize = 256

// Dispatcher ставит уведомления в очередь и доставляет их на webhook в фоне.
// Без адреса webhook уведомления только пишутся в лог.
type Dispatcher struct {
	webhookURL string
	httpClient *retryablehttp.Client
	queue      chan model.Event
	logger     *zap.Logger
}

// NewDispatcher создаёт диспетчер уведомлений с очередью размером queueSize.
func NewDispatcher(webhookURL string, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	url := strings.TrimRight(webhookURL, "/")
	if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Dispatcher{
		webhookURL: url,
		httpClient: client,
		queue:      make(chan model.Event, queueSize),
		logger:     logger,
	}
}

// Dispatch ставит уведомление в очередь и никогда не блокирует вызывающего.
// При переполненной очереди уведомление отбрасывается.
func (d *Dispatcher) Dispatch(e model.Event) {
	select {
	case d.queue <- e:
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notification dropped: queue is full",
			zap.String("type", string(e.Type)),
			zap.String("parentID", e.ParentID),
		)
	}
}

// Run доставляет уведомления из очереди до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			if err := d.deliver(ctx, e); err != nil {
				metrics.NotificationsFailed.Inc()
				d.logger.Error("notification delivery failed",
					zap.Error(err),
					zap.String("type", string(e.Type)),
					zap.String("parentID", e.ParentID),
				)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e model.Event) error {
	if d.webhookURL == "" {
		d.logger.Info("notification",
			zap.String("type", string(e.Type)),
			zap.String("parentID", e.ParentID),
			zap.String("slotID", e.SlotID),
			zap.String("status", e.Status),
		)
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
