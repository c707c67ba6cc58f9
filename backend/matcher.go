package backend

import (
	"fmt"
	"sync"

	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/scope"
)

// A connectionContext tracks the participants of one session that has not
// started yet.
type connectionContext struct {
	waiting         map[proto.Role]bool
	roleToTransport map[proto.Role]proto.Transport
	transportToRole map[proto.Transport]proto.Role
}

func newConnectionContext(roles proto.Roles) *connectionContext {
	cc := &connectionContext{
		waiting:         make(map[proto.Role]bool, len(roles)),
		roleToTransport: make(map[proto.Role]proto.Transport, len(roles)),
		transportToRole: make(map[proto.Transport]proto.Role, len(roles)),
	}
	for _, role := range roles {
		cc.waiting[role] = true
	}
	return cc
}

func (cc *connectionContext) bind(role proto.Role, t proto.Transport) {
	cc.roleToTransport[role] = t
	cc.transportToRole[t] = role
	delete(cc.waiting, role)
}

func (cc *connectionContext) unbind(t proto.Transport) (proto.Role, bool) {
	role, ok := cc.transportToRole[t]
	if !ok {
		return "", false
	}
	delete(cc.transportToRole, t)
	delete(cc.roleToTransport, role)
	cc.waiting[role] = true
	return role, true
}

// A Matcher pairs anonymous connections into sessions of one protocol.
// Connections claim a role with a connect request; once every peer role of
// a pending context is bound, the context is handed to start.
//
// Pending contexts are matched oldest first.
type Matcher struct {
	sync.Mutex
	ctx        scope.Context
	protocol   *proto.Protocol
	maxPending int
	pending    []*connectionContext
	start      func(map[proto.Role]proto.Transport)
}

func NewMatcher(
	ctx scope.Context, protocol *proto.Protocol, maxPending int,
	start func(map[proto.Role]proto.Transport)) *Matcher {

	return &Matcher{
		ctx:        logging.Prefixed(ctx.Fork(), fmt.Sprintf("[%s] ", protocol.Name)),
		protocol:   protocol,
		maxPending: maxPending,
		start:      start,
	}
}

// Accept takes ownership of a new connection until it joins a session.
func (m *Matcher) Accept(t proto.Transport) { t.Listen(m) }

func (m *Matcher) OnMessage(t proto.Transport, data []byte) {
	req, err := proto.ParseConnectRequest(data)
	if err != nil {
		logging.Logger(m.ctx).Printf("error: %s: connect request: %s", t.ID(), err)
		m.reject(t, proto.CloseLogicalError, m.protocol.Self, "malformed connect request")
		return
	}
	if err := m.Subscribe(req.Connect, t); err != nil {
		logging.Logger(m.ctx).Printf("error: %s: subscribe %s: %s", t.ID(), req.Connect, err)
	}
}

func (m *Matcher) OnClose(t proto.Transport, event proto.CloseEvent) {
	t.Listen(nil)
	m.Disconnect(t)
}

// Subscribe binds t to role in the oldest pending context still waiting for
// that role, opening a new context if there is none.
func (m *Matcher) Subscribe(role proto.Role, t proto.Transport) error {
	if !m.protocol.Peers.Contains(role) {
		m.reject(t, proto.CloseLogicalError, role, proto.ErrUnknownRole)
		return fmt.Errorf("%w: %s", proto.ErrUnknownRole, role)
	}

	ready, err := m.subscribe(role, t)
	if err != nil {
		m.reject(t, proto.CloseRoleOccupied, role, err)
		return err
	}
	if ready != nil {
		m.start(ready.roleToTransport)
	}
	return nil
}

func (m *Matcher) subscribe(role proto.Role, t proto.Transport) (*connectionContext, error) {
	m.Lock()
	defer m.Unlock()
	defer m.observe()

	for _, cc := range m.pending {
		if _, ok := cc.transportToRole[t]; ok {
			return nil, fmt.Errorf("transport already joined")
		}
	}

	for i, cc := range m.pending {
		if cc.waiting[role] {
			cc.bind(role, t)
			if len(cc.waiting) > 0 {
				return nil, nil
			}
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return cc, nil
		}
	}

	// Role occupied in every pending context.
	if m.maxPending > 0 && len(m.pending) >= m.maxPending {
		return nil, proto.ErrRoleOccupied
	}
	cc := newConnectionContext(m.protocol.Peers)
	cc.bind(role, t)
	if len(cc.waiting) == 0 {
		return cc, nil
	}
	m.pending = append(m.pending, cc)
	return nil, nil
}

// Disconnect releases the role held by t in its pending context, making it
// claimable again.
func (m *Matcher) Disconnect(t proto.Transport) {
	m.Lock()
	defer m.Unlock()
	defer m.observe()

	for i, cc := range m.pending {
		role, ok := cc.unbind(t)
		if !ok {
			continue
		}
		logging.Logger(m.ctx).Printf("%s left before session start, %s claimable again", t.ID(), role)
		if len(cc.roleToTransport) == 0 {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
		}
		return
	}
}

// Pending returns the number of contexts waiting for participants.
func (m *Matcher) Pending() int {
	m.Lock()
	defer m.Unlock()
	return len(m.pending)
}

// Waiting returns the roles each pending context still waits for, oldest
// context first.
func (m *Matcher) Waiting() []proto.Roles {
	m.Lock()
	defer m.Unlock()

	result := make([]proto.Roles, len(m.pending))
	for i, cc := range m.pending {
		for _, role := range m.protocol.Peers {
			if cc.waiting[role] {
				result[i] = append(result[i], role)
			}
		}
	}
	return result
}

func (m *Matcher) observe() {
	pendingContexts.WithLabelValues(m.protocol.Name).Set(float64(len(m.pending)))
}

// reject closes t. A transport closed locally never reports its own close,
// so any role it holds is released here.
func (m *Matcher) reject(t proto.Transport, code proto.CloseCode, role proto.Role, cause interface{}) {
	t.Listen(nil)
	m.Disconnect(t)
	t.Close(code, proto.NewCancellation(role, cause).Encode())
}
