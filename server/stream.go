package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/sse"
	"github.com/hertz-contrib/websocket"

	"github.com/hatcher/agentloop/pkg/hertzx"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/pkg/safego"
	"github.com/hatcher/agentloop/session"
)

var upgrader = websocket.HertzUpgrader{
	CheckOrigin: func(ctx *app.RequestContext) bool { return true },
}

// wsRequest is what a client may send over the duplex stream.
type wsRequest struct {
	Type        string               `json:"type"` // post_message | terminate
	Text        string               `json:"text,omitempty"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
}

type wsAck struct {
	Type  string `json:"type"` // Ack
	Of    string `json:"of"`
	Error string `json:"error,omitempty"`
}

// conversationStream upgrades to a duplex WebSocket: outbound the
// session's event stream (snapshot replay first), inbound post_message
// and terminate requests.
func (s *Server) conversationStream(ctx context.Context, c *app.RequestContext) {
	sid := c.Param("id")
	if _, err := s.coord.Status(sid); err != nil {
		respondErr(c, err)
		return
	}

	err := upgrader.Upgrade(c, func(conn *websocket.Conn) {
		streamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := s.coord.SubscribeEvents(streamCtx, sid)
		if err != nil {
			_ = conn.WriteJSON(session.Event{Type: session.EventError, SessionID: sid, Message: err.Error()})
			return
		}

		// Reader side: client requests until disconnect.
		safego.Go(streamCtx, func() {
			defer cancel()
			s.readStreamRequests(streamCtx, conn, sid)
		})

		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				logs.Debugf("ws session %s: write failed: %v", sid, err)
				return
			}
		}
	})
	if err != nil {
		logs.Warnf("ws session %s: upgrade failed: %v", sid, err)
	}
}

func (s *Server) readStreamRequests(ctx context.Context, conn *websocket.Conn, sid string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = conn.WriteJSON(wsAck{Type: "Ack", Of: "?", Error: "malformed request"})
			continue
		}

		switch req.Type {
		case "post_message":
			err = s.coord.PostMessage(ctx, sid, req.Text, req.Attachments)
		case "terminate":
			err = s.coord.Terminate(ctx, sid)
		default:
			err = nil
			_ = conn.WriteJSON(wsAck{Type: "Ack", Of: req.Type, Error: "unknown request type"})
			continue
		}

		ack := wsAck{Type: "Ack", Of: req.Type}
		if err != nil {
			ack.Error = err.Error()
		}
		_ = conn.WriteJSON(ack)
	}
}

// conversationEvents is the SSE fallback for clients that cannot speak
// WebSocket. Outbound only.
func (s *Server) conversationEvents(ctx context.Context, c *app.RequestContext) {
	sid := c.Param("id")
	events, err := s.coord.SubscribeEvents(ctx, sid)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.SetStatusCode(http.StatusOK)
	sender := hertzx.NewSseSender(sse.NewStream(c))
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sender.Send(hertzx.BuildDataEvent(ev)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
