package signal

import (
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/domain"
)

func (ctl *Controller) handlePing(p *Peer) {
	p.send(rtc.Message{Type: rtc.MsgPong})
}

func (ctl *Controller) handleRole(s *Session, p *Peer, m rtc.Message) {
	if !m.Role.Valid() {
		p.sendError("invalid_role", nil)
		return
	}
	if m.Role == domain.RolePresenter && p.maxRole != domain.RolePresenter {
		p.sendError("forbidden", nil)
		return
	}
	s.setRole(p, m.Role)
}

func (ctl *Controller) handleUnpublish(s *Session, p *Peer, m rtc.Message) {
	if m.Producer == nil || m.Producer.WireID != p.id {
		p.sendError("bad_payload", m.Producer)
		return
	}
	s.unpublish(p, *m.Producer)
}
