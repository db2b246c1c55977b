package control

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// queueSize bounds both the inbound and outbound frame queues, per
// spec §4.7 ("1000-entry, drop-oldest").
const queueSize = 1000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Channel is the Control Channel server: it accepts WebSocket
// connections, keeps at most one active peer (a new connection
// replaces the old one), and exposes bounded, drop-oldest send/receive
// queues of raw text frames.
type Channel struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	closeCh chan struct{} // closed when the current conn's pumps exit

	sendQueue chan string
	recvQueue chan string

	limiter *rate.Limiter
	logger  *slog.Logger
}

// Options configures a new Channel.
type Options struct {
	// InboundRate and InboundBurst bound the rate of accepted inbound
	// frames; excess frames are dropped. Zero means "use defaults".
	InboundRate  rate.Limit
	InboundBurst int
	Logger       *slog.Logger
}

// New builds a Channel with its queues ready; call ServeHTTP from an
// http.Handler to accept connections.
func New(opts Options) *Channel {
	r := opts.InboundRate
	if r == 0 {
		r = rate.Limit(50) // 50 commands/sec, generous for a single call leg
	}
	burst := opts.InboundBurst
	if burst == 0 {
		burst = 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		sendQueue: make(chan string, queueSize),
		recvQueue: make(chan string, queueSize),
		limiter:   rate.NewLimiter(r, burst),
		logger:    logger,
	}
}

// Receive returns the channel of inbound raw frames.
func (c *Channel) Receive() <-chan string {
	return c.recvQueue
}

// Send enqueues an outbound frame. Overflow policy is drop-oldest:
// the channel favors fresh state over backlog, consistent with the
// RTP Engine's receive-side queue policy.
func (c *Channel) Send(frame string) {
	select {
	case c.sendQueue <- frame:
		return
	default:
	}
	select {
	case <-c.sendQueue:
	default:
	}
	select {
	case c.sendQueue <- frame:
	default:
	}
}

// ServeHTTP upgrades the connection and makes it the channel's active
// peer, closing out any previous peer first (single-active-peer
// policy per spec §4.7).
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("control: upgrade failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		<-c.closeCh
	}
	closeCh := make(chan struct{})
	c.conn = conn
	c.closeCh = closeCh
	c.mu.Unlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go c.readPump(conn, stop, &wg)
	go c.writePump(conn, stop, &wg)
	wg.Wait()
	close(closeCh)
}

func (c *Channel) readPump(conn *websocket.Conn, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("control: read pump exiting", "error", err)
			closeOnce(stop)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Warn("control: inbound frame dropped, rate limit exceeded")
			continue
		}
		c.publishReceived(string(data))
	}
}

func closeOnce(stop chan struct{}) {
	select {
	case <-stop:
	default:
		close(stop)
	}
}

func (c *Channel) publishReceived(frame string) {
	select {
	case c.recvQueue <- frame:
		return
	default:
	}
	select {
	case <-c.recvQueue:
	default:
	}
	select {
	case c.recvQueue <- frame:
	default:
	}
}

func (c *Channel) writePump(conn *websocket.Conn, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		case frame := <-c.sendQueue:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				c.logger.Debug("control: write pump exiting", "error", err)
				closeOnce(stop)
				return
			}
		}
	}
}
