package exchange

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"github.com/ssd-technologies/umbra/internal/blob"
	"github.com/ssd-technologies/umbra/internal/ratelimit"
)

// ServerConfig configures the blob exchange listener. Zero values get
// defaults.
type ServerConfig struct {
	Store *blob.Store
	Host  string
	Port  int

	// MaxConcurrent bounds simultaneously served connections. Default 16.
	MaxConcurrent int64

	// RequestsPerMinute caps requests per remote host. Default 200.
	RequestsPerMinute int

	// MinRate is the lowest transfer rate offer accepted, in credits/MB.
	// Default 0: every non-negative offer is accepted.
	MinRate float64

	// IdleTimeout closes connections with no request activity. Default 2m.
	IdleTimeout time.Duration

	// IOTimeout bounds individual reads and writes mid-request. Default 30s.
	IOTimeout time.Duration

	// BlocklistSize / BlocklistTTL size the cache of hosts that sent
	// malformed traffic; listed hosts are refused at accept. Defaults
	// 512 and 1h.
	BlocklistSize int
	BlocklistTTL  time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 200
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 30 * time.Second
	}
	if c.BlocklistSize == 0 {
		c.BlocklistSize = 512
	}
	if c.BlocklistTTL == 0 {
		c.BlocklistTTL = time.Hour
	}
}

// Server serves blobs to remote peers. Each connection is a sequence of
// JSON requests; a granted blob request is answered with a JSON header
// followed by the raw ciphertext bytes.
type Server struct {
	cfg       ServerConfig
	ln        net.Listener
	sem       *semaphore.Weighted
	limiter   *ratelimit.Keyed
	blocklist *expirable.LRU[string, time.Time]

	blobsSent atomic.Int64
	bytesSent atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer builds a blob exchange server. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:   ratelimit.NewKeyed(cfg.RequestsPerMinute, time.Minute),
		blocklist: expirable.NewLRU[string, time.Time](cfg.BlocklistSize, nil, cfg.BlocklistTTL),
		done:      make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen blob exchange: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	log.Printf("[exchange] serving blobs on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	close(s.done)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// Stats returns blobs and bytes served since start.
func (s *Server) Stats() (blobs, bytes int64) {
	return s.blobsSent.Load(), s.bytesSent.Load()
}

// Block puts a host on the blocklist immediately.
func (s *Server) Block(host string) {
	s.blocklist.Add(host, time.Now())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("[exchange] accept: %v", err)
			return
		}

		host := hostOf(conn.RemoteAddr())
		if _, blocked := s.blocklist.Get(host); blocked {
			conn.Close()
			continue
		}
		if !s.sem.TryAcquire(1) {
			// At capacity; shed rather than queue.
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer conn.Close()
			s.serveConn(conn, host)
		}()
	}
}

// serveConn handles one client session. The session carries one piece of
// state: whether a transfer rate has been accepted, which gates blob
// requests.
func (s *Server) serveConn(conn net.Conn, host string) {
	w := newWire(conn)
	rateAccepted := false

	for {
		var req Request
		if err := w.readJSON(&req, s.cfg.IdleTimeout); err != nil {
			if errors.Is(err, ErrProtocol) {
				log.Printf("[exchange] blocklisting %s: %v", host, err)
				s.blocklist.Add(host, time.Now())
			}
			return
		}

		if !s.limiter.Allow(host) {
			w.writeJSON(Response{Error: ErrorRateLimited}, s.cfg.IOTimeout)
			return
		}

		resp := Response{}
		if len(req.RequestedBlobs) > 0 {
			resp.AvailableBlobs = s.available(req.RequestedBlobs)
		}
		if req.PaymentRate != nil {
			if *req.PaymentRate < 0 {
				s.blocklist.Add(host, time.Now())
				return
			}
			if *req.PaymentRate >= s.cfg.MinRate {
				resp.RateReply = RateAccepted
				rateAccepted = true
			} else {
				resp.RateReply = RateTooLow
				rateAccepted = false
			}
		}

		var body []byte
		if req.RequestedBlob != "" {
			h, err := blob.HashFromHex(req.RequestedBlob)
			if err != nil {
				s.blocklist.Add(host, time.Now())
				return
			}
			switch {
			case !rateAccepted:
				resp.Error = ErrorRateUnset
			default:
				data, err := s.cfg.Store.Get(h)
				if err != nil {
					resp.Error = ErrorBlobUnavailable
				} else {
					resp.IncomingBlob = &BlobHeader{BlobHash: h.Hex(), Length: len(data)}
					body = data
				}
			}
		}

		if err := w.writeJSON(resp, s.cfg.IOTimeout); err != nil {
			return
		}
		if body != nil {
			if err := w.writeBody(body, s.cfg.IOTimeout); err != nil {
				return
			}
			s.blobsSent.Add(1)
			s.bytesSent.Add(int64(len(body)))
		}
	}
}

func (s *Server) available(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, hex := range requested {
		h, err := blob.HashFromHex(hex)
		if err != nil {
			continue
		}
		if s.cfg.Store.Has(h) {
			out = append(out, hex)
		}
	}
	return out
}

// hostOf strips the port from a remote address, so limits and blocks
// apply per host.
func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
