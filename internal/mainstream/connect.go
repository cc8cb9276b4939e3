package mainstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/hallowgate/atwatch/internal/dispatch"
	"github.com/hallowgate/atwatch/internal/jetstream"
)

var errStopped = errors.New("mainstream: stopped")

// runLoop owns the socket for the lifetime of the stream: connect, read
// until error/close/fast-reconnect, then either reconnect immediately (a
// reconcile-triggered fast path) or back off exponentially.
func (s *Stream) runLoop(ctx context.Context) {
	defer close(s.loopDone)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		idle := len(s.lastSentDIDs) == 0
		s.mu.Unlock()
		if idle {
			select {
			case <-s.stopCh:
				return
			case <-s.activateCh:
				continue
			}
		}

		s.mu.Lock()
		var cursor *int64
		if s.hasCursor {
			c := s.lastCursor
			cursor = &c
		}
		s.mu.Unlock()

		conn, host, err := s.connect(ctx, cursor)
		if err != nil {
			s.logger.Error("connect failed", "error", err)
			if s.backoffWait(ctx) {
				return
			}
			continue
		}

		s.logger.Info("connected", "host", host)
		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.attempt = 0
		s.fastReconnect = false
		s.mu.Unlock()

		d := s.newDispatcher()

		err = s.readLoop(ctx, conn, d)

		s.mu.Lock()
		s.conn = nil
		fast := s.fastReconnect
		s.fastReconnect = false
		stopped := s.state == StateStopped
		if !stopped {
			s.state = StateReconnecting
		}
		s.mu.Unlock()

		conn.Close()
		s.deps.Broadcaster.BroadcastStatus()

		if stopped || errors.Is(err, errStopped) {
			return
		}

		s.logger.Warn("disconnected, reconnecting", "error", err, "fast", fast)

		if fast {
			continue
		}
		if s.backoffWait(ctx) {
			return
		}
	}
}

func (s *Stream) connect(ctx context.Context, cursor *int64) (*websocket.Conn, string, error) {
	url, host, err := jetstream.BuildSubscribeURL(s.deps.Hosts, cursor)
	if err != nil {
		return nil, "", err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", host, err)
	}

	if err := s.sendOptions(conn); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send options: %w", err)
	}

	return conn, host, nil
}

func (s *Stream) sendOptions(conn *websocket.Conn) error {
	s.mu.Lock()
	wanted := make([]string, 0, len(s.lastSentDIDs))
	for did := range s.lastSentDIDs {
		wanted = append(wanted, did)
	}
	s.mu.Unlock()

	msg, _ := jetstream.BuildOptionsMessage(nil, wanted)
	return conn.WriteJSON(msg)
}

func (s *Stream) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(s.deps.Store, s.deps.Resolver, s.logger, dispatch.Options{
		LogPrefix:         "main",
		IsTemporaryStream: false,
		InBackfillMode:    s.inBackfillMode,
		RequestReconcile:  s.ReloadDIDsNow,
		RequestBackfill:   s.deps.TempRequester.RequestBackfill,
	})
}

// readLoop reads and dispatches events until the socket errors, the stream
// is stopped, or a reconcile forces a fast reconnect.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, d *dispatch.Dispatcher) error {
	for {
		select {
		case <-s.stopCh:
			return errStopped
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		evt, err := jetstream.Decode(raw)
		if err != nil {
			s.logger.Warn("malformed frame, skipping", "error", err)
			continue
		}

		if err := d.Handle(ctx, evt); err != nil {
			s.logger.Error("event handler failed, cursor not advanced", "error", err)
			continue
		}

		s.advanceCursor(evt.TimeUS)

		s.mu.Lock()
		fast := s.fastReconnect
		s.mu.Unlock()
		if fast {
			return errors.New("mainstream: did-set changed, fast reconnect requested")
		}
	}
}

func (s *Stream) advanceCursor(timeUS int64) {
	s.mu.Lock()
	s.lastCursor = timeUS
	s.hasCursor = true
	wasBackfill := s.inBackfill
	if s.inBackfill && timeUS >= s.startWallUS {
		s.inBackfill = false
	}
	flipped := wasBackfill && !s.inBackfill
	s.mu.Unlock()

	if flipped {
		s.mu.Lock()
		elapsed := time.Since(s.startedAt)
		s.mu.Unlock()
		s.logger.Info("backfill mode ended", "elapsed", humanize.RelTime(time.Now().Add(-elapsed), time.Now(), "ago", ""))
	}

	iso := time.UnixMicro(timeUS).UTC().Format(time.RFC3339)
	s.deps.Broadcaster.BroadcastCursor(statusCursorUpdate(iso, s.inBackfillMode()))
}

// backoffWait sleeps for the current exponential backoff duration,
// returning true if the stream was stopped while waiting.
func (s *Stream) backoffWait(ctx context.Context) bool {
	s.mu.Lock()
	s.state = StateReconnecting
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxReconnectBackoff {
		delay = maxReconnectBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
