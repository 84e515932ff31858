package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const maxRecvBuffer = 8 * 1024 * 1024

// warnInterval rate-limits unroutable-datagram warnings.
const warnInterval = 10 * time.Second

type routeKey struct {
	ip   string
	port int
}

// GlobalListener is the server-mode shared socket: one bound port for
// every endpoint, demultiplexed by normalized source address through a
// read-mostly route map.
type GlobalListener struct {
	port           int
	bufferSize     int
	receiveTimeout time.Duration
	recvBuffer     int
	sendBuffer     int

	mu     sync.RWMutex
	conn   *net.UDPConn
	routes map[routeKey]*Listener

	received atomic.Int64
	dropped  atomic.Int64
	lastWarn atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewGlobalListener(port, bufferSize, recvBuffer, sendBuffer int, receiveTimeout time.Duration) *GlobalListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &GlobalListener{
		port:           port,
		bufferSize:     bufferSize,
		receiveTimeout: receiveTimeout,
		recvBuffer:     recvBuffer,
		sendBuffer:     sendBuffer,
		routes:         make(map[routeKey]*Listener),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start binds the shared socket and launches the receive loop.
func (g *GlobalListener) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: g.port})
	if err != nil {
		g.running.Store(false)
		return fmt.Errorf("failed to bind global socket on port %d: %w", g.port, err)
	}

	// Enlarged buffers are best effort; the kernel may clamp them.
	if err := conn.SetReadBuffer(g.recvBuffer); err != nil {
		logrus.WithError(err).Warn("Failed to set global socket recv buffer")
	}
	if err := conn.SetWriteBuffer(g.sendBuffer); err != nil {
		logrus.WithError(err).Warn("Failed to set global socket send buffer")
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	g.wg.Add(1)
	go g.recvLoop()

	logrus.WithFields(logrus.Fields{
		"port":        g.port,
		"recv_buffer": g.recvBuffer,
		"send_buffer": g.sendBuffer,
	}).Info("Global UDP listener started")
	return nil
}

// Stop closes the shared socket after all listeners have unregistered.
func (g *GlobalListener) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	g.cancel()
	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.mu.Unlock()
	g.wg.Wait()
	logrus.Info("Global UDP listener stopped")
}

// LocalPort reports the bound port (useful when configured as 0).
func (g *GlobalListener) LocalPort() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.conn == nil {
		return 0
	}
	return g.conn.LocalAddr().(*net.UDPAddr).Port
}

// WriteToUDP exposes the shared send side to registered listeners.
func (g *GlobalListener) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	g.mu.RLock()
	conn := g.conn
	g.mu.RUnlock()
	if conn == nil {
		return 0, errors.New("global socket not bound")
	}
	return conn.WriteToUDP(b, addr)
}

// Register routes datagrams from the listener's endpoint address to it.
func (g *GlobalListener) Register(l *Listener) {
	key := routeKey{ip: l.Host(), port: l.Port()}
	g.mu.Lock()
	g.routes[key] = l
	g.mu.Unlock()
	l.SetSharedSender(g)
}

// Unregister removes the listener's route.
func (g *GlobalListener) Unregister(l *Listener) {
	key := routeKey{ip: l.Host(), port: l.Port()}
	g.mu.Lock()
	delete(g.routes, key)
	g.mu.Unlock()
}

// Stats reports routing counters.
func (g *GlobalListener) Stats() (received, dropped int64, routes int) {
	g.mu.RLock()
	routes = len(g.routes)
	g.mu.RUnlock()
	return g.received.Load(), g.dropped.Load(), routes
}

func (g *GlobalListener) recvLoop() {
	defer g.wg.Done()
	buf := make([]byte, g.bufferSize)

	for {
		select {
		case <-g.ctx.Done():
			return
		default:
		}

		g.mu.RLock()
		conn := g.conn
		g.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(g.receiveTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			continue
		}
		g.received.Add(1)

		// A full read buffer means the datagram may have been truncated
		// by an undersized kernel buffer; grow it once.
		if n == len(buf) && g.recvBuffer < maxRecvBuffer {
			g.recvBuffer *= 2
			if g.recvBuffer > maxRecvBuffer {
				g.recvBuffer = maxRecvBuffer
			}
			if err := conn.SetReadBuffer(g.recvBuffer); err == nil {
				logrus.WithField("recv_buffer", g.recvBuffer).Info("Grew global socket recv buffer")
			}
		}

		sourceIP := NormalizeIP(addr.IP.String())
		listener := g.route(sourceIP, addr.Port)
		if listener == nil {
			g.dropped.Add(1)
			g.warnUnroutable(sourceIP, addr.Port)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		listener.HandlePacket(data, sourceIP, addr.Port)
	}
}

// route resolves the owning listener. A loopback miss falls back to the
// single listener sharing the source port, which disambiguates multiple
// local bots that roam across ephemeral ports.
func (g *GlobalListener) route(ip string, port int) *Listener {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if l, ok := g.routes[routeKey{ip: ip, port: port}]; ok {
		return l
	}
	if ip != "127.0.0.1" {
		return nil
	}
	var match *Listener
	for key, l := range g.routes {
		if key.port != port {
			continue
		}
		if match != nil {
			return nil // ambiguous
		}
		match = l
	}
	return match
}

func (g *GlobalListener) warnUnroutable(ip string, port int) {
	now := time.Now().UnixNano()
	last := g.lastWarn.Load()
	if now-last < int64(warnInterval) {
		return
	}
	if !g.lastWarn.CompareAndSwap(last, now) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"source":  fmt.Sprintf("%s:%d", ip, port),
		"dropped": g.dropped.Load(),
	}).Warn("Dropping datagram from unregistered endpoint")
}
