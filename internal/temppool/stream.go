package temppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/hallowgate/atwatch/internal/dispatch"
	"github.com/hallowgate/atwatch/internal/jetstream"
)

// maxReconnectBackoff caps a temporary stream's reconnect delay; unlike the
// main stream there is no fast path (spec §4.F: "no special fast-path").
const maxReconnectBackoff = 30 * time.Second

var errCaughtUp = errors.New("temppool: catch-up complete")

// tempStream is one user's short-lived backfill stream (spec §4.F's
// lifecycle). It owns its own private cursor and its own dispatcher
// instance, never shared with the main stream or any other temp stream.
type tempStream struct {
	pool       *Pool
	userDID    string
	followDIDs []string

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newTempStream(pool *Pool, userDID string, followDIDs []string) *tempStream {
	return &tempStream{
		pool:       pool,
		userDID:    userDID,
		followDIDs: followDIDs,
		stopCh:     make(chan struct{}),
	}
}

func (t *tempStream) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// run executes the full lifecycle in spec §4.F steps 1-9.
func (t *tempStream) run(ctx context.Context) {
	logger := t.pool.deps.Logger.With("component", "temppool", "user_did", t.userDID)

	handle, _ := t.pool.deps.Resolver.Resolve(ctx, t.userDID)
	logger = logger.With("handle", handle)

	ignored, err := t.pool.deps.Store.ListIgnored(ctx)
	if err != nil {
		logger.Error("list ignored failed, aborting backfill", "error", err)
		return
	}
	ignoredSet := make(map[string]struct{}, len(ignored))
	for _, ig := range ignored {
		ignoredSet[ig.DID] = struct{}{}
	}

	filtered := make([]string, 0, len(t.followDIDs))
	for _, did := range t.followDIDs {
		if _, ig := ignoredSet[did]; !ig {
			filtered = append(filtered, did)
		}
	}

	if len(filtered) == 0 {
		if err := t.pool.deps.Store.MarkBackfillStartedAndCompleted(ctx, t.userDID); err != nil {
			logger.Error("mark backfill started+completed failed", "error", err)
		}
		t.pool.deps.Broadcaster.BroadcastStatus()
		return
	}

	if err := t.pool.deps.Store.MarkBackfillStarted(ctx, t.userDID); err != nil {
		logger.Error("mark backfill started failed", "error", err)
		return
	}
	t.pool.deps.Broadcaster.BroadcastStatus()

	startTimeMS := time.Now().UnixMilli()
	cursor := jetstream.HorizonMicros()
	logger.Info("backfill window opened", "window_start", humanize.Time(time.UnixMicro(cursor)), "follows", len(filtered))

	d := dispatch.New(t.pool.deps.Store, t.pool.deps.Resolver, logger, dispatch.Options{
		LogPrefix:         fmt.Sprintf("backfill:%s", t.userDID),
		IsTemporaryStream: true,
	})

	attempt := 0
	for {
		select {
		case <-t.stopCh:
			t.finish(ctx, logger)
			return
		case <-ctx.Done():
			return
		default:
		}

		err := t.connectAndRead(ctx, filtered, &cursor, startTimeMS, d, logger)
		if errors.Is(err, errCaughtUp) {
			logger.Info("backfill caught up to live")
			t.finish(ctx, logger)
			return
		}

		select {
		case <-t.stopCh:
			t.finish(ctx, logger)
			return
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			logger.Warn("backfill stream disconnected, reconnecting", "error", err)
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > maxReconnectBackoff {
			delay = maxReconnectBackoff
		}
		attempt++

		timer := time.NewTimer(delay)
		select {
		case <-t.stopCh:
			timer.Stop()
			t.finish(ctx, logger)
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *tempStream) connectAndRead(ctx context.Context, dids []string, cursor *int64, startTimeMS int64, d *dispatch.Dispatcher, logger *slog.Logger) error {
	url, host, err := jetstream.BuildSubscribeURL(t.pool.deps.Hosts, cursor)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	msg, _ := jetstream.BuildOptionsMessage(nil, dids)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send options: %w", err)
	}

	for {
		select {
		case <-t.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		evt, err := jetstream.Decode(raw)
		if err != nil {
			logger.Warn("malformed frame, skipping", "error", err)
			continue
		}

		if err := d.Handle(ctx, evt); err != nil {
			logger.Error("event handler failed, cursor not advanced", "error", err)
			continue
		}
		*cursor = evt.TimeUS

		if evt.TimeUS/1000 >= startTimeMS {
			return errCaughtUp
		}
	}
}

func (t *tempStream) finish(ctx context.Context, logger *slog.Logger) {
	if err := t.pool.deps.Store.MarkBackfillCompleted(ctx, t.userDID); err != nil {
		logger.Error("mark backfill completed failed", "error", err)
	}
	t.pool.deps.Broadcaster.BroadcastStatus()
}
