// Package stats collects runtime counters into Prometheus instruments for
// in-process bookkeeping and republishes them, reshaped to the spec's own
// wire format, over a Unix domain socket — not Prometheus's exposition
// format, since nothing polls this process that way.
package stats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sources is the set of lambdas the collector polls on every snapshot,
// mirroring the source's registry of () -> dict callables rather than
// pushing updates into the gauges from scattered call sites.
type Sources struct {
	CacheSize     func() int
	ActiveUsers   func() map[string]int // keys: "15m", "2h", "12h"
	WarningsGiven func() int64          // read-and-zero since last call
	KarmaGiven    func() int64          // read-and-zero since last call
}

// Collector keeps its Prometheus instruments in a private registry that is
// not exposed outside New; Snapshot produces the flat JSON object the stats
// socket serves, reading the Sources directly.
type Collector struct {
	sources       Sources
	warningsTotal prometheus.Counter
	karmaTotal    prometheus.Counter
}

func New(sources Sources) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "secretlounge_cache_size",
		Help: "Number of messages currently held in the relay cache.",
	}, func() float64 { return float64(sources.CacheSize()) })

	for _, window := range []string{"15m", "2h", "12h"} {
		window := window
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "secretlounge_active_users",
			Help:        "Distinct users active within the sliding window.",
			ConstLabels: prometheus.Labels{"window": window},
		}, func() float64 { return float64(sources.ActiveUsers()[window]) })
	}

	return &Collector{
		sources: sources,
		warningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "secretlounge_warnings_given_total",
			Help: "Cumulative warnings issued by moderators.",
		}),
		karmaTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "secretlounge_karma_given_total",
			Help: "Cumulative karma upvotes given.",
		}),
	}
}

// Snapshot gathers one stats response. It also feeds the cumulative counters
// registered above, so warnings_given/karma_given stay read-and-zero in the
// JSON body while the counters in the private registry accumulate
// monotonically.
func (c *Collector) Snapshot() map[string]any {
	warnings := c.sources.WarningsGiven()
	karma := c.sources.KarmaGiven()
	c.warningsTotal.Add(float64(warnings))
	c.karmaTotal.Add(float64(karma))

	return map[string]any{
		"cache_size":     c.sources.CacheSize(),
		"active_users":   c.sources.ActiveUsers(),
		"warnings_given": warnings,
		"karma_given":    karma,
	}
}

// SocketPath builds the stats socket path per spec §6: a bare name for the
// default bot, disambiguated by bot name when running more than one.
func SocketPath(botName string) string {
	if botName == "" {
		return "/tmp/secretlounge"
	}
	return "/tmp/secretlounge_" + botName
}

// Server answers any non-empty request on the socket with one JSON snapshot,
// then keeps the connection open for further requests.
type Server struct {
	path      string
	collector *Collector
	listener  net.Listener
}

func NewServer(path string, collector *Collector) *Server {
	return &Server{path: path, collector: collector}
}

// Start binds the socket and begins accepting connections in the
// background. Any stale socket file from a prior, uncleanly-terminated run
// is removed first.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("stats: listen on %s: %w", s.path, err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data, err := json.Marshal(s.collector.Snapshot())
		if err != nil {
			slog.Error("stats: marshal snapshot", "error", err)
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.path)
	return err
}
