package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tasknest/tasknest/internal/store"
)

// Subscribe opens the workspace feed and returns once the hub reports the
// subscription is live, so a fetch issued afterwards cannot miss a change.
// Frames that arrive before that point are still delivered.
func (c *Client) Subscribe(ctx context.Context, workspaceID string, h store.Handler) (store.Unsubscribe, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	feedURL := *c.base
	if feedURL.Scheme == "https" {
		feedURL.Scheme = "wss"
	} else {
		feedURL.Scheme = "ws"
	}
	feedURL.Path += "/ws"
	feedURL.RawQuery = url.Values{"workspace": {workspaceID}}.Encode()

	header := http.Header{}
	if user := c.currentUser(); user != "" {
		header.Set(UserHeader, user)
	}

	subCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(subCtx, feedURL.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to open feed for workspace %s: %w", store.ErrUnavailable, workspaceID, err)
	}

	ready := make(chan error, 1)
	go c.readFeed(subCtx, conn, workspaceID, h, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	c.logger.WithField("workspace_id", workspaceID).Debug("Feed subscribed")
	// The reader goroutine closes the connection once subCtx ends.
	return func() { cancel() }, nil
}

// readFeed delivers frames to h until ctx ends or the connection drops.
// ready receives nil on the ready frame, or the error that ended the feed
// before it. A drop after the ready frame is reported to h as EventLost.
func (c *Client) readFeed(ctx context.Context, conn *websocket.Conn, workspaceID string, h store.Handler, ready chan<- error) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	log := c.logger.WithField("workspace_id", workspaceID)
	signaled := false
	signal := func(err error) {
		if !signaled {
			signaled = true
			ready <- err
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				signal(ctx.Err())
				return
			}
			if signaled {
				log.WithError(err).Warn("Feed connection lost")
				h(store.ChangeEvent{Kind: store.EventLost, WorkspaceID: workspaceID})
				return
			}
			signal(fmt.Errorf("%w: feed for workspace %s closed: %w", store.ErrUnavailable, workspaceID, err))
			return
		}

		var frame store.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("Dropping malformed feed frame")
			continue
		}
		if frame.Kind == store.FrameReady {
			signal(nil)
			continue
		}
		ev, err := frame.Event()
		if err != nil {
			log.WithError(err).Warn("Dropping invalid feed frame")
			continue
		}
		if ev.WorkspaceID != "" && ev.WorkspaceID != workspaceID {
			log.WithFields(logrus.Fields{
				"event_workspace_id": ev.WorkspaceID,
				"task_id":            ev.TaskID,
			}).Debug("Dropping event for another workspace")
			continue
		}
		h(ev)
	}
}
