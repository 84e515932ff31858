// Package udp implements the transport layer of the control plane: the
// per-endpoint listeners, the shared server-mode socket, the worker pool
// and the fragment buffers that sit in front of telemetry processing.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/chart"
)

// Control vocabulary sent on start and after every keepalive rotation.
const (
	cmdList            = "lst"
	cmdSubscribeCharts = "SubscribeCharts"
)

// Dispatcher routes one decoded datagram; consumed=false means the
// payload is response text, not telemetry.
type Dispatcher interface {
	Process(ctx context.Context, serverID int64, payload []byte) (bool, error)
}

// StatusSink receives listener runtime updates; the status cache
// implements it.
type StatusSink interface {
	MarkRunning(serverID int64, localPort int)
	MarkStopped(serverID int64, lastError string)
	Touch(serverID int64, at time.Time)
}

type packetSender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// ListenerOptions carries the per-listener tunables resolved by the
// manager from config.
type ListenerOptions struct {
	BufferSize     int
	ReceiveTimeout time.Duration
	CommandTimeout time.Duration
	Heartbeat      time.Duration
	BurstIdle      time.Duration
	ChartTimeout   time.Duration
}

// Listener owns the bidirectional channel to one bot endpoint. In local
// mode it binds its own ephemeral socket and runs a receive loop with
// optional NAT-keepalive port rotation; in server mode it only holds the
// send side and receives through the global socket.
type Listener struct {
	serverID  int64
	host      string
	remote    *net.UDPAddr
	password  string
	keepalive bool
	localMode bool
	opts      ListenerOptions

	pool       *WorkerPool
	dispatcher Dispatcher
	status     StatusSink
	charts     *chart.Assembler
	burst      *BurstBuffer

	mu     sync.Mutex
	conn   *net.UDPConn // local mode only; swapped on rotation
	shared packetSender // server mode send side

	running  atomic.Bool
	messages atomic.Int64
	lastMsg  atomic.Int64 // unix nanos, monotone non-decreasing

	waiting atomic.Bool
	respCh  chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewListener(serverID int64, host string, port int, password string, keepalive, localMode bool,
	opts ListenerOptions, pool *WorkerPool, dispatcher Dispatcher, status StatusSink,
	chartComplete chart.CompleteFunc) *Listener {

	normalized := NormalizeIP(host)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		serverID:  serverID,
		host:      normalized,
		remote:    &net.UDPAddr{IP: net.ParseIP(normalized), Port: port},
		password:  password,
		keepalive: keepalive,
		localMode: localMode,
		opts:      opts,

		pool:       pool,
		dispatcher: dispatcher,
		status:     status,
		respCh:     make(chan string, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	l.charts = chart.NewAssembler(opts.ChartTimeout, chartComplete)
	l.burst = NewBurstBuffer(serverID, opts.BurstIdle, l.onBurstComplete)
	return l
}

func (l *Listener) ServerID() int64 { return l.serverID }
func (l *Listener) Host() string    { return l.host }
func (l *Listener) Port() int       { return l.remote.Port }
func (l *Listener) Running() bool   { return l.running.Load() }

// SetSharedSender hands the listener the global socket's send side
// (server mode).
func (l *Listener) SetSharedSender(s packetSender) {
	l.mu.Lock()
	l.shared = s
	l.mu.Unlock()
}

// LocalPort reports the bound ephemeral port, 0 in server mode.
func (l *Listener) LocalPort() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return 0
	}
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// MessagesReceived reports the lifetime datagram count.
func (l *Listener) MessagesReceived() int64 { return l.messages.Load() }

// LastMessageAt reports when the last datagram arrived.
func (l *Listener) LastMessageAt() time.Time {
	ns := l.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start binds (local mode), kicks off the receive loop and keepalive
// rotator, and announces the listener to the bot.
func (l *Listener) Start() error {
	if !l.running.CompareAndSwap(false, true) {
		return nil
	}

	if l.localMode {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			l.running.Store(false)
			l.status.MarkStopped(l.serverID, err.Error())
			return fmt.Errorf("failed to bind listener socket: %w", err)
		}
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.wg.Add(1)
		go l.recvLoop()

		if l.keepalive && l.opts.Heartbeat > 0 {
			l.wg.Add(1)
			go l.rotateLoop()
		}
	}

	// Create NAT state and ask for chart pushes.
	if err := l.Send(cmdList); err != nil {
		logrus.WithError(err).WithField("server_id", l.serverID).Warn("Failed to send initial lst")
	}
	if err := l.Send(cmdSubscribeCharts); err != nil {
		logrus.WithError(err).WithField("server_id", l.serverID).Warn("Failed to subscribe to charts")
	}

	l.status.MarkRunning(l.serverID, l.LocalPort())
	logrus.WithFields(logrus.Fields{
		"server_id":  l.serverID,
		"remote":     l.remote.String(),
		"local_mode": l.localMode,
		"local_port": l.LocalPort(),
	}).Info("Listener started")
	return nil
}

// Stop flips the running flag, closes the socket and joins the workers.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	l.cancel()

	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.burst.Flush()
	l.status.MarkStopped(l.serverID, "")
	logrus.WithField("server_id", l.serverID).Info("Listener stopped")
}

// Send signs and transmits one command to the bot.
func (l *Listener) Send(command string) error {
	payload := []byte(SignCommand(l.password, command))

	l.mu.Lock()
	var sender packetSender
	if l.localMode {
		sender = l.conn
	} else {
		sender = l.shared
	}
	l.mu.Unlock()

	if sender == nil || (l.localMode && l.conn == nil) {
		// Server mode without a bound global socket still works over a
		// throwaway socket (administrative sends before Start).
		conn, err := net.DialUDP("udp", nil, l.remote)
		if err != nil {
			return fmt.Errorf("failed to open send socket: %w", err)
		}
		defer conn.Close()
		_, err = conn.Write(payload)
		return err
	}
	_, err := sender.WriteToUDP(payload, l.remote)
	return err
}

// SendExpectResponse sends a command and blocks for the bot's reply up to
// timeout. Replies starting with "ERR" and timeouts report ok=false.
func (l *Listener) SendExpectResponse(command string, timeout time.Duration) (bool, string) {
	if timeout <= 0 {
		timeout = l.opts.CommandTimeout
	}
	l.waiting.Store(true)
	defer l.waiting.Store(false)

	// Drop any stale reply from a previous exchange.
	select {
	case <-l.respCh:
	default:
	}

	if err := l.Send(command); err != nil {
		return false, err.Error()
	}

	select {
	case text := <-l.respCh:
		if strings.HasPrefix(text, "ERR") {
			return false, text
		}
		return true, text
	case <-time.After(timeout):
		return false, "timeout"
	case <-l.ctx.Done():
		return false, "listener stopped"
	}
}

// HandlePacket is the single ingest entry point, called by the local
// receive loop or the global listener. Chart fragments and gzip bursts
// stay on the caller's goroutine so one endpoint's fragments are handled
// in arrival order; everything else goes through the worker pool.
func (l *Listener) HandlePacket(data []byte, sourceIP string, sourcePort int) {
	now := time.Now().UTC()
	l.messages.Add(1)
	l.advanceLastMessage(now)
	l.status.Touch(l.serverID, now)

	if chart.IsChartPacket(data) {
		if err := l.charts.Add(data); err != nil {
			logrus.WithError(err).WithField("server_id", l.serverID).Debug("Dropping bad chart fragment")
		}
		return
	}

	if IsGzip(data) || l.burst.Pending() {
		l.burst.Add(data)
		return
	}

	if l.waiting.Load() {
		consumed, err := l.dispatcher.Process(l.ctx, l.serverID, data)
		if err != nil {
			logrus.WithError(err).WithField("server_id", l.serverID).Warn("Synchronous datagram processing failed")
		}
		if !consumed {
			select {
			case l.respCh <- string(data):
			default:
			}
		}
		return
	}

	item := WorkItem{
		ServerID:   l.serverID,
		Payload:    data,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		ReceivedAt: now,
		Process:    l.processItem,
	}
	if l.pool == nil {
		if err := l.processItem(item); err != nil {
			logrus.WithError(err).WithField("server_id", l.serverID).Warn("Inline datagram processing failed")
		}
		return
	}
	// Tail-drop on overflow; the pool counts it.
	l.pool.Submit(item)
}

func (l *Listener) processItem(item WorkItem) error {
	_, err := l.dispatcher.Process(l.ctx, item.ServerID, item.Payload)
	return err
}

func (l *Listener) onBurstComplete(inflated []byte) {
	if _, err := l.dispatcher.Process(l.ctx, l.serverID, inflated); err != nil {
		logrus.WithError(err).WithField("server_id", l.serverID).Warn("Burst processing failed")
	}
}

func (l *Listener) recvLoop() {
	defer l.wg.Done()
	buf := make([]byte, l.opts.BufferSize)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(l.opts.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			// Closed during shutdown or rotation; re-check the current
			// socket on the next pass.
			continue
		}

		sourceIP := NormalizeIP(addr.IP.String())
		if sourceIP != l.host {
			logrus.WithFields(logrus.Fields{
				"server_id": l.serverID,
				"source":    sourceIP,
				"expected":  l.host,
			}).Debug("Discarding datagram from unexpected source")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.HandlePacket(data, sourceIP, addr.Port)
	}
}

// rotateLoop replaces the local socket every heartbeat interval so the
// NAT binding stays fresh and the peer learns the new source port.
func (l *Listener) rotateLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.rotate(); err != nil {
				logrus.WithError(err).WithField("server_id", l.serverID).Warn("Keepalive rotation failed")
			}
		}
	}
}

func (l *Listener) rotate() error {
	fresh, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("failed to bind rotation socket: %w", err)
	}

	l.mu.Lock()
	old := l.conn
	l.conn = fresh
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}

	// Announce the new source port to the peer.
	if err := l.Send(cmdList); err != nil {
		return err
	}
	if err := l.Send(cmdSubscribeCharts); err != nil {
		return err
	}

	newPort := fresh.LocalAddr().(*net.UDPAddr).Port
	l.status.MarkRunning(l.serverID, newPort)
	logrus.WithFields(logrus.Fields{
		"server_id":  l.serverID,
		"local_port": newPort,
	}).Debug("Keepalive rotated listener socket")
	return nil
}

// advanceLastMessage keeps the timestamp monotone even when packets are
// handled on racing goroutines.
func (l *Listener) advanceLastMessage(at time.Time) {
	ns := at.UnixNano()
	for {
		cur := l.lastMsg.Load()
		if ns <= cur || l.lastMsg.CompareAndSwap(cur, ns) {
			return
		}
	}
}
