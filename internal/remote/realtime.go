package remote

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/coder/websocket"
)

// ChangeNotice is the server's websocket notification that a table
// changed. It names the table only; the engine pulls to learn what
// actually changed.
type ChangeNotice struct {
	Table     string    `json:"table"`
	Timestamp time.Time `json:"timestamp"`
}

// Realtime maintains a websocket subscription to the server's change
// feed and invokes the handler for each notice. The connection is
// re-dialed with capped exponential backoff; losing it degrades sync to
// periodic pulls, never to data loss.
type Realtime struct {
	url     string
	token   string
	handler func(table string)
	logger  *log.Logger
}

// NewRealtime creates a subscriber. The handler is called from the read
// loop goroutine and must not block.
func NewRealtime(url, token string, handler func(table string), logger *log.Logger) *Realtime {
	return &Realtime{url: url, token: token, handler: handler, logger: logger}
}

// Run dials and reads until ctx is cancelled. It only returns the
// context's error; connection failures are logged and retried.
func (r *Realtime) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if err := r.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Printf("[realtime] connection lost: %v (retrying in %s)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (r *Realtime) readOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if r.token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + r.token},
		}
	}

	conn, _, err := websocket.Dial(ctx, r.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	r.logger.Printf("[realtime] subscribed to %s", r.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var notice ChangeNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			r.logger.Printf("[realtime] ignoring malformed notice: %v", err)
			continue
		}
		if notice.Table == "" {
			continue
		}

		r.handler(notice.Table)
	}
}
