package keyservice

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// eventMessage is one pushed coordination-service notification. Bundle
// pushes carry the same items requestbundle returns.
type eventMessage struct {
	Event string       `json:"event"`
	Data  []BundleItem `json:"data"`
}

// Listener keeps a websocket open to the coordination service and feeds
// pushed events into the Service. Reconnects with backoff until the
// context is cancelled.
type Listener struct {
	url     string
	service *Service
	log     *zap.Logger
}

func NewListener(url string, service *Service, log *zap.Logger) *Listener {
	return &Listener{url: url, service: service, log: log}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn("event stream disconnected",
			zap.Error(err), zap.Duration("reconnect_in", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	l.log.Info("event stream connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		l.dispatch(ctx, data)
	}
}

func (l *Listener) dispatch(ctx context.Context, data []byte) {
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.log.Warn("malformed event payload", zap.Error(err))
		return
	}

	if len(msg.Data) > 0 {
		if _, err := l.service.ProcessBundle(msg.Data); err != nil {
			l.log.Warn("processing pushed bundle failed", zap.Error(err))
		}
	}
	if msg.Event != "" {
		if err := l.service.HandleEvent(ctx, msg.Event); err != nil {
			l.log.Warn("event handling failed",
				zap.String("event", msg.Event), zap.Error(err))
		}
	}
}
