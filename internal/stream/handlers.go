package stream

import (
	"encoding/json"

	"dogwalk-tracking/internal/tracking"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SessionSource validates a subscription and hands back the lastPoint
// snapshot for late joiners. Satisfied by *tracking.Registry.
type SessionSource interface {
	Subscribe(sessionID string) (*tracking.LocationPoint, error)
}

// RegisterRoutes wires the live subscription endpoint. Subscribers of an
// unknown or ended session get a policy-violation close; everyone else
// receives the lastPoint snapshot followed by live frames.
func RegisterRoutes(r fiber.Router, hub *Hub, src SessionSource) {
	r.Get("/:id/subscribe", websocket.New(func(c *websocket.Conn) {
		sessionID := c.Params("id")

		snapshot, err := src.Subscribe(sessionID)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = c.WriteMessage(websocket.CloseMessage, msg)
			return
		}

		client := hub.Register(sessionID)

		if snapshot != nil {
			if payload, merr := json.Marshal(wireFrame{Type: "point", Payload: snapshot}); merr == nil {
				if werr := c.WriteMessage(websocket.TextMessage, payload); werr != nil {
					hub.Unregister(client)
					return
				}
			}
		}

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			// Channel closed by the hub (session end or eviction).
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
			_ = c.WriteMessage(websocket.CloseMessage, msg)
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		// Unregister closes client.Send, which lets the writer drain out.
		// Safe when the hub already closed the session.
		hub.Unregister(client)
		<-done
	}))
}

type wireFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
