package client

import (
	"context"
	"errors"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/protocol"
)

// Presence joins the presence channel as clientID and calls onEvent for
// every event until ctx is done or the server closes the connection. Pings
// are answered automatically and also passed to onEvent.
func (c *Client) Presence(ctx context.Context, clientID string, onEvent func(protocol.PresenceEvent)) error {
	u, err := c.wsURL("/ws/presence/" + clientID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("dial presence channel: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev protocol.PresenceEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("presence channel closed: %s", ce.Reason)
			}
			return err
		}
		if ev.Type == protocol.TypePing {
			if err := wsjson.Write(ctx, conn, protocol.PresenceEvent{Type: protocol.TypePong, ClientID: clientID}); err != nil {
				return err
			}
			c.logger.Debug("presence ping answered", logging.KeyClientID, clientID)
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
