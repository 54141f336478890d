package dialog

import (
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// CreateRequest строит новый запрос внутри диалога (RFC 3261 §12.2.1.1):
// Call-ID диалога, инкремент локального CSeq, route set, remote target
// в request-URI и корректные From/To с tag'ами.
func (m *Manager) CreateRequest(d *Dialog, method sip.RequestMethod) (*sip.Request, error) {
	d.mu.RLock()
	state := State(d.machine.Current())
	remoteTarget := d.remoteTarget
	routeSet := append([]sip.Uri(nil), d.routeSet...)
	callID := d.callID
	localURI := d.localURI
	remoteURI := d.remoteURI
	localTag := d.localTag
	remoteTag := d.remoteTag
	d.mu.RUnlock()

	if state == StateTerminated {
		return nil, ErrDialogTerminated
	}
	if remoteTarget.Host == "" {
		return nil, ErrNoRemoteTarget
	}

	req := sip.NewRequest(method, remoteTarget)
	applyRouting(req, remoteTarget, routeSet)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	from := &sip.FromHeader{
		Address: localURI,
		Params:  sip.HeaderParams{"tag": localTag},
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: remoteURI,
		Params:  sip.HeaderParams{},
	}
	if remoteTag != "" {
		to.Params["tag"] = remoteTag
	}
	req.AppendHeader(to)

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.nextLocalSeq(),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	m.addVia(req)
	m.addContact(req)

	req.SetDestination(m.requestDestination(d, routeSet))
	return req, nil
}

// BuildAck2xx строит ACK на 2xx ответ (RFC 3261 §13.2.2.4).
//
// ACK наследует номер CSeq подтверждаемого INVITE (исходного или
// re-INVITE), но образует новую транзакцию с собственным branch;
// To копируется из ответа, маршрут определяется route set диалога.
// Нулевой invite означает исходный INVITE диалога.
func (m *Manager) BuildAck2xx(d *Dialog, invite *sip.Request, resp *sip.Response) (*sip.Request, error) {
	d.mu.RLock()
	remoteTarget := d.remoteTarget
	routeSet := append([]sip.Uri(nil), d.routeSet...)
	if invite == nil {
		invite = d.inviteRequest
	}
	d.mu.RUnlock()

	if remoteTarget.Host == "" {
		return nil, ErrNoRemoteTarget
	}
	if invite == nil {
		return nil, ErrDialogNotFound
	}

	ack := sip.NewRequest(sip.ACK, remoteTarget)
	applyRouting(ack, remoteTarget, routeSet)

	if callID := invite.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := resp.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	m.addVia(ack)

	ack.SetDestination(m.requestDestination(d, routeSet))
	return ack, nil
}

// BuildCancel строит CANCEL для неотвеченного INVITE (RFC 3261 §9.1).
// CANCEL копирует branch и CSeq номер INVITE, метод в CSeq — CANCEL.
func BuildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	if from := invite.From(); from != nil {
		cancel.AppendHeader(sip.HeaderClone(from))
	}
	if to := invite.To(); to != nil {
		cancel.AppendHeader(sip.HeaderClone(to))
	}
	if callID := invite.CallID(); callID != nil {
		cancel.AppendHeader(sip.HeaderClone(callID))
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetDestination(invite.Destination())
	return cancel
}

// addVia добавляет верхний Via с новым branch
func (m *Manager) addVia(req *sip.Request) {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       m.config.Transport,
		Host:            m.config.Host,
		Port:            m.config.Port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(via)
}

// addContact добавляет локальный Contact
func (m *Manager) addContact(req *sip.Request) {
	contact := m.config.Contact
	if contact.Address.Host == "" {
		return
	}
	req.AppendHeader(&contact)
}

// requestDestination определяет транспортный адрес назначения:
// первый элемент route set, иначе известный адрес удаленной стороны,
// иначе host:port из remote target.
func (m *Manager) requestDestination(d *Dialog, routeSet []sip.Uri) string {
	if len(routeSet) > 0 {
		return hostPort(routeSet[0])
	}
	if addr := d.RemoteAddr(); addr != "" {
		return addr
	}
	return hostPort(d.RemoteTarget())
}

func hostPort(u sip.Uri) string {
	port := u.Port
	if port == 0 {
		port = 5060
	}
	return u.Host + ":" + strconv.Itoa(port)
}
