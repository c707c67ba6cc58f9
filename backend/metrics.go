package backend

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"euphoria.io/mpst/engine"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/scope"
)

var (
	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "started",
		Subsystem: "sessions",
		Help:      "Number of sessions started per protocol",
	}, []string{"protocol"})

	sessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "completed",
		Subsystem: "sessions",
		Help:      "Number of sessions whose coordinator reached its terminal state",
	}, []string{"protocol"})

	sessionsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "cancelled",
		Subsystem: "sessions",
		Help:      "Number of sessions cancelled per protocol, by culprit",
	}, []string{"protocol", "cause"})

	liveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "live",
		Subsystem: "sessions",
		Help:      "Number of sessions holding transports",
	}, []string{"protocol"})

	pendingContexts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "pending",
		Subsystem: "matcher",
		Help:      "Number of connection contexts waiting for participants",
	}, []string{"protocol"})

	relayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "relayed",
		Subsystem: "messages",
		Help:      "Number of messages relayed between participants",
	}, []string{"protocol"})

	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "dropped",
		Subsystem: "messages",
		Help:      "Number of messages addressed to participants that already left",
	}, []string{"protocol"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "transitions",
		Subsystem: "coordinator",
		Help:      "Number of coordinator send and receive transitions",
	}, []string{"protocol", "action", "outcome"})

	transitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "transition_seconds",
		Subsystem: "coordinator",
		Help:      "Time spent performing coordinator transitions",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"protocol", "action"})
)

func init() {
	prometheus.MustRegister(sessionsStarted)
	prometheus.MustRegister(sessionsCompleted)
	prometheus.MustRegister(sessionsCancelled)
	prometheus.MustRegister(liveSessions)
	prometheus.MustRegister(pendingContexts)
	prometheus.MustRegister(relayedMessages)
	prometheus.MustRegister(droppedMessages)
	prometheus.MustRegister(transitions)
	prometheus.MustRegister(transitionLatency)
}

type metricsHook struct {
	protocol string
}

func newMetricsHook(protocol string) engine.Hook { return metricsHook{protocol: protocol} }

func (h metricsHook) Begin(action engine.Action, self, partner proto.Role, label string) engine.Span {
	return &metricsSpan{hook: h, action: action, started: time.Now()}
}

func (metricsHook) Flush() {}

type metricsSpan struct {
	hook    metricsHook
	action  engine.Action
	started time.Time
}

func (s *metricsSpan) End(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	transitions.WithLabelValues(s.hook.protocol, string(s.action), outcome).Inc()
	transitionLatency.WithLabelValues(s.hook.protocol, string(s.action)).Observe(time.Since(s.started).Seconds())
}

// ServeMetrics exposes /metrics on a dedicated listener until ctx terminates.
// The caller must have added to ctx's WaitGroup.
func ServeMetrics(ctx scope.Context, addr string) {
	defer ctx.WaitGroup().Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		ctx.Terminate(err)
		return
	}

	closed := false
	m := sync.Mutex{}
	closeListener := func() {
		m.Lock()
		if !closed {
			listener.Close()
			closed = true
		}
		m.Unlock()
	}

	// Spin off goroutine to watch ctx and close listener if shutdown requested.
	go func() {
		<-ctx.Done()
		closeListener()
	}()

	logging.Logger(ctx).Printf("serving /metrics on %s", addr)
	if err := http.Serve(listener, mux); err != nil && ctx.Alive() {
		logging.Logger(ctx).Printf("http[%s]: %s", addr, err)
		ctx.Terminate(err)
	}

	closeListener()
}
