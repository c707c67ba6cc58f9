package backend

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"euphoria.io/mpst/engine"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/mpst/transport"
	"euphoria.io/scope"
)

// A Server accepts participants for registered protocols over websockets
// at /protocol/{name}/ws and runs a coordinator session for each complete
// set of participants.
type Server struct {
	sync.Mutex
	ctx       scope.Context
	r         *mux.Router
	upgrader  websocket.Upgrader
	config    SessionConfig
	ids       IDGenerator
	keepAlive time.Duration

	matchers   map[string]*Matcher
	sessions   map[string]*Session
	onCancel   CancellationHandler
	onComplete CompletionHandler
	hook       engine.Hook
}

func NewServer(ctx scope.Context, config *ServerConfig) (*Server, error) {
	ids, err := IDScheme(config.Session.IDScheme)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ctx:       ctx,
		config:    config.Session,
		ids:       ids,
		keepAlive: config.Session.KeepAlive,
		matchers:  map[string]*Matcher{},
		sessions:  map[string]*Session{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	if config.HTTP.AnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.route()
	return s, nil
}

func (s *Server) route() {
	s.r = mux.NewRouter().StrictSlash(true)
	s.r.Path("/").Methods("OPTIONS").HandlerFunc(s.handleProbe)
	s.r.Handle("/metrics", promhttp.Handler())
	s.r.HandleFunc("/protocol/{protocol:[A-Za-z0-9_.-]+}/ws", s.handleProtocol)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

// Register makes the coordinator side of a protocol available to
// participants. Protocols are registered under their name.
func (s *Server) Register(protocol *proto.Protocol) error {
	if err := protocol.Validate(); err != nil {
		return err
	}
	if !protocol.IsCoordinator() {
		return fmt.Errorf("protocol %s: %s is not the coordinator", protocol.Name, protocol.Self)
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.matchers[protocol.Name]; ok {
		return fmt.Errorf("protocol %s already registered", protocol.Name)
	}
	s.matchers[protocol.Name] = NewMatcher(s.ctx, protocol, s.config.MaxPending,
		func(transports map[proto.Role]proto.Transport) { s.startSession(protocol, transports) })
	return nil
}

// OnCancel sets the handler invoked when a session is cancelled. It applies
// to sessions started afterwards.
func (s *Server) OnCancel(handler CancellationHandler) {
	s.Lock()
	s.onCancel = handler
	s.Unlock()
}

// OnComplete sets the handler invoked when a session's coordinator reaches
// its terminal state. It applies to sessions started afterwards.
func (s *Server) OnComplete(handler CompletionHandler) {
	s.Lock()
	s.onComplete = handler
	s.Unlock()
}

// SetHook installs a hook observing the transitions of every session
// started afterwards.
func (s *Server) SetHook(hook engine.Hook) {
	s.Lock()
	s.hook = hook
	s.Unlock()
}

func (s *Server) Matcher(name string) *Matcher {
	s.Lock()
	defer s.Unlock()
	return s.matchers[name]
}

// Sessions returns the sessions still holding transports.
func (s *Server) Sessions() []*Session {
	s.Lock()
	defer s.Unlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (s *Server) startSession(protocol *proto.Protocol, transports map[proto.Role]proto.Transport) {
	id, err := s.ids()
	if err != nil {
		logging.Logger(s.ctx).Printf("error: %s: session id: %s", protocol.Name, err)
		frame := proto.NewCancellation(protocol.Self, err).Encode()
		for _, t := range transports {
			t.Listen(nil)
			t.Close(proto.CloseLogicalError, frame)
		}
		return
	}

	s.Lock()
	options := sessionOptions{
		onCancel:    s.onCancel,
		onComplete:  s.onComplete,
		hook:        s.hook,
		eventBuffer: s.config.EventBuffer,
	}
	session := newSession(s.ctx, id, protocol, transports, options)
	s.sessions[id] = session
	s.Unlock()

	session.start()

	go func() {
		<-session.Done()
		s.Lock()
		delete(s.sessions, id)
		s.Unlock()
	}()
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["protocol"]
	matcher := s.Matcher(name)
	if matcher == nil {
		http.Error(w, fmt.Sprintf("%s: %s", proto.ErrUnknownProtocol, name), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger(s.ctx).Printf("error: upgrade %s: %s", r.RemoteAddr, err)
		return
	}

	c := transport.NewConn(s.ctx, conn, s.keepAlive)
	matcher.Accept(c)

	select {
	case <-c.Done():
	case <-s.ctx.Done():
		c.Close(proto.CloseGoingAway, "")
	}
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header["Origin"]
	if len(origin) == 0 {
		return true
	}
	u, err := url.Parse(origin[0])
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Host, "www.")
	return host == r.Host
}
