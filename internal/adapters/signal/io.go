package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/gorilla/websocket"
)

func (ctl *Controller) writePump(ctx context.Context, p *Peer) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	c := p.conn
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug().Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				p.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, s *Session, p *Peer) {
	c := p.conn
	defer func() {
		p.logger.Info().Msg("readPump closing")
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !ctl.handleSignal(s, p, data) {
			return
		}
	}
}

// handleSignal dispatches one client message. It returns false when the
// peer asked to leave.
func (ctl *Controller) handleSignal(s *Session, p *Peer, data []byte) bool {
	var m rtc.Message
	if err := json.Unmarshal(data, &m); err != nil {
		p.logger.Error().Err(err).Msg("bad json")
		p.sendError("bad_payload", nil)
		return true
	}

	switch m.Type {
	case rtc.MsgPing:
		ctl.handlePing(p)
	case rtc.MsgOffer:
		ctl.handleOffer(p, m)
	case rtc.MsgAnswer:
		ctl.handleAnswer(p, m)
	case rtc.MsgCandidate:
		ctl.handleCandidate(p, m)
	case rtc.MsgRole:
		ctl.handleRole(s, p, m)
	case rtc.MsgSubscribe:
		go ctl.handleSubscribe(s, p, m)
	case rtc.MsgUnpublish:
		ctl.handleUnpublish(s, p, m)
	case rtc.MsgLeave:
		p.logger.Info().Msg("leave")
		return false
	default:
		p.logger.Warn().Str("type", m.Type).Msg("unknown signal")
	}
	return true
}
