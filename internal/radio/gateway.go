// Package radio runs the addressed packet protocol over a LoRa modem. A Gateway owns the
// link: it frames outgoing messages, reassembles incoming frames from the byte stream,
// tracks which nodes have been heard and hands each message to the registered handlers.
package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chrissnell/remoteflood/internal/observability"
	"github.com/chrissnell/remoteflood/internal/wire"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultNodeTimeout    = 120 * time.Second
	defaultReconnectDelay = 5 * time.Second
	readChunk             = 256
)

// Handler receives one decoded message. Returned errors and panics are logged and counted;
// they never stop reception.
type Handler func(ctx context.Context, pkt wire.Packet, msg wire.Message) error

// NodeStatus is what the gateway knows about a node it has heard.
type NodeStatus struct {
	Address  uint8     `json:"address"`
	LastSeen time.Time `json:"last_seen"`
	RSSI     int       `json:"rssi"`
	SNR      float64   `json:"snr"`
	Packets  uint64    `json:"packets"`
	Online   bool      `json:"online"`
}

type Option func(*Gateway)

func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithNodeTimeout sets how long a node counts as online after its last packet.
func WithNodeTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.nodeTimeout = d
		}
	}
}

// WithReadTimeout bounds each read on links that support deadlines.
func WithReadTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.readTimeout = d }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(g *Gateway) { g.reconnectDelay = d }
}

// WithGatewayAddress sets the address whose Alert packets are commands rather than
// station reports. It defaults to wire.GatewayAddr.
func WithGatewayAddress(addr uint8) Option {
	return func(g *Gateway) { g.gatewayAddr = addr }
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Gateway is the single owner of one radio link.
type Gateway struct {
	addr           uint8
	gatewayAddr    uint8
	dial           Dialer
	logger         *zap.SugaredLogger
	clock          clockwork.Clock
	metrics        *observability.Metrics
	nodeTimeout    time.Duration
	readTimeout    time.Duration
	reconnectDelay time.Duration

	// linkMu serialises frames onto the link and guards the link itself.
	linkMu sync.Mutex
	link   io.ReadWriteCloser
	seq    uint8

	handlersMu sync.RWMutex
	handlers   map[wire.MessageType][]Handler

	nodesMu sync.Mutex
	nodes   map[uint8]*NodeStatus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway speaking as addr. The link is opened by Connect or Start.
func New(addr uint8, dial Dialer, logger *zap.SugaredLogger, opts ...Option) *Gateway {
	g := &Gateway{
		addr:           addr,
		gatewayAddr:    wire.GatewayAddr,
		dial:           dial,
		logger:         logger,
		clock:          clockwork.NewRealClock(),
		nodeTimeout:    DefaultNodeTimeout,
		reconnectDelay: defaultReconnectDelay,
		handlers:       make(map[wire.MessageType][]Handler),
		nodes:          make(map[uint8]*NodeStatus),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Address is the node address this gateway transmits from.
func (g *Gateway) Address() uint8 {
	return g.addr
}

// Connect opens the link if it is not already open. The dial runs without linkMu held;
// Send reports false until the new link is in place.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.currentLink() != nil {
		return nil
	}
	link, err := g.dial(ctx)
	if err != nil {
		return fmt.Errorf("opening radio link: %w", err)
	}

	g.linkMu.Lock()
	if g.link != nil || ctx.Err() != nil {
		g.linkMu.Unlock()
		link.Close()
		return ctx.Err()
	}
	g.link = link
	g.linkMu.Unlock()

	g.logger.Infof("radio link open, node address %#02x", g.addr)
	return nil
}

// Start launches the receive loop. A link that cannot be opened yet is retried by the
// loop.
func (g *Gateway) Start(ctx context.Context) {
	if err := g.Connect(ctx); err != nil {
		g.logger.Errorf("radio: %v", err)
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.receiveLoop(ctx)
}

// Stop ends the receive loop and closes the link.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.linkMu.Lock()
	g.closeLinkLocked()
	g.linkMu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) closeLinkLocked() {
	if g.link == nil {
		return
	}
	if err := g.link.Close(); err != nil {
		g.logger.Debugf("radio: closing link: %v", err)
	}
	g.link = nil
}

func (g *Gateway) currentLink() io.ReadWriteCloser {
	g.linkMu.Lock()
	defer g.linkMu.Unlock()
	return g.link
}

// dropLink closes link unless it has already been replaced.
func (g *Gateway) dropLink(link io.ReadWriteCloser) {
	g.linkMu.Lock()
	defer g.linkMu.Unlock()
	if g.link == link {
		g.closeLinkLocked()
	}
}

// On registers h for every message of type t.
func (g *Gateway) On(t wire.MessageType, h Handler) error {
	if !t.Known() {
		return fmt.Errorf("%w: %s", wire.ErrUnknownType, t)
	}
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()
	g.handlers[t] = append(g.handlers[t], h)
	return nil
}

func (g *Gateway) receiveLoop(ctx context.Context) {
	defer g.wg.Done()
	g.logger.Info("starting radio receive loop")

	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			g.logger.Info("cancellation request received. Stopping radio receive loop")
			return
		}

		link := g.currentLink()
		if link == nil {
			if err := g.Connect(ctx); err != nil {
				g.logger.Errorf("radio: %v, retrying in %v", err, g.reconnectDelay)
				select {
				case <-ctx.Done():
					return
				case <-g.clock.After(g.reconnectDelay):
				}
			}
			buf = buf[:0]
			continue
		}

		if dl, ok := link.(deadliner); ok && g.readTimeout > 0 {
			dl.SetReadDeadline(time.Now().Add(g.readTimeout))
		}
		n, err := link.Read(chunk)
		if n > 0 {
			buf = g.drain(ctx, append(buf, chunk[:n]...))
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			g.logger.Errorf("radio: link read failed, reconnecting: %v", err)
			g.dropLink(link)
		}
	}
}

// drain handles every complete frame in buf and returns the unconsumed tail.
func (g *Gateway) drain(ctx context.Context, buf []byte) []byte {
	for {
		pkt, consumed, corrupt, ok := wire.NextFrame(buf)
		garbage := consumed
		if ok {
			garbage -= wire.MinFrame + len(pkt.Payload)
		}
		if garbage > 0 {
			if g.metrics != nil {
				g.metrics.BytesDropped.Add(float64(garbage))
			}
			g.logger.Debugf("radio: discarded %d bytes (%d corrupt frames)", garbage, corrupt)
		}
		buf = append(buf[:0], buf[consumed:]...)
		if !ok {
			return buf
		}
		g.handle(ctx, pkt)
	}
}

func (g *Gateway) handle(ctx context.Context, pkt wire.Packet) {
	if pkt.Src == g.addr {
		return
	}
	g.touch(pkt)
	if g.metrics != nil {
		g.metrics.PacketsReceived.WithLabelValues(pkt.Type.String()).Inc()
	}

	if pkt.Dst != g.addr && !pkt.IsBroadcast() {
		return
	}

	msg, err := wire.ParseMessage(pkt, g.gatewayAddr)
	if err != nil {
		g.logger.Warnf("radio: dropping %v: %v", pkt, err)
		if errors.Is(err, wire.ErrUnknownType) || pkt.IsBroadcast() {
			return
		}
		if pkt.Type != wire.Ack && pkt.Type != wire.Nack {
			g.SendMessage(pkt.Src, wire.NackMsg{Seq: pkt.Seq, Kind: pkt.Type, Reason: wire.NackMalformed})
		}
		return
	}

	g.handlersMu.RLock()
	hs := append([]Handler(nil), g.handlers[pkt.Type]...)
	g.handlersMu.RUnlock()

	g.logger.Debugf("radio: received %v", pkt)
	for _, h := range hs {
		g.invoke(ctx, h, pkt, msg)
	}
}

func (g *Gateway) invoke(ctx context.Context, h Handler, pkt wire.Packet, msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			g.handlerFailed(pkt, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h(ctx, pkt, msg); err != nil {
		g.handlerFailed(pkt, err)
	}
}

func (g *Gateway) handlerFailed(pkt wire.Packet, err error) {
	g.logger.Errorf("radio: handler for %v failed: %v", pkt, err)
	if g.metrics != nil {
		g.metrics.HandlerErrors.Inc()
	}
}

func (g *Gateway) touch(pkt wire.Packet) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()

	n, ok := g.nodes[pkt.Src]
	if !ok {
		n = &NodeStatus{Address: pkt.Src}
		g.nodes[pkt.Src] = n
		g.logger.Infof("radio: first packet from node %#02x", pkt.Src)
	}
	n.LastSeen = g.clock.Now()
	n.RSSI = pkt.RSSI
	n.SNR = pkt.SNR
	n.Packets++
	g.updateOnlineLocked()
}

func (g *Gateway) updateOnlineLocked() int {
	online := 0
	now := g.clock.Now()
	for _, n := range g.nodes {
		if now.Sub(n.LastSeen) <= g.nodeTimeout {
			online++
		}
	}
	if g.metrics != nil {
		g.metrics.NodesOnline.Set(float64(online))
	}
	return online
}

// NodeStatus returns a snapshot of every node heard so far.
func (g *Gateway) NodeStatus() map[uint8]NodeStatus {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()

	now := g.clock.Now()
	out := make(map[uint8]NodeStatus, len(g.nodes))
	for addr, n := range g.nodes {
		s := *n
		s.Online = now.Sub(n.LastSeen) <= g.nodeTimeout
		out[addr] = s
	}
	g.updateOnlineLocked()
	return out
}

// Send frames payload and writes it to the link. Every call consumes a sequence number,
// whether or not the write succeeds. There is no acknowledgement or retry here.
func (g *Gateway) Send(dst uint8, t wire.MessageType, payload []byte) bool {
	g.linkMu.Lock()
	defer g.linkMu.Unlock()

	seq := g.seq
	g.seq++

	frame, err := wire.Encode(wire.Packet{Src: g.addr, Dst: dst, Type: t, Seq: seq, Payload: payload})
	if err != nil {
		g.logger.Errorf("radio: cannot frame %s for %#02x: %v", t, dst, err)
		return false
	}
	if g.link == nil {
		g.logger.Warnf("radio: link down, dropping %s for %#02x", t, dst)
		return false
	}
	if _, err := g.link.Write(frame); err != nil {
		g.logger.Errorf("radio: write failed: %v", err)
		g.closeLinkLocked()
		return false
	}

	if g.metrics != nil {
		g.metrics.PacketsSent.WithLabelValues(t.String()).Inc()
	}
	g.logger.Debugf("radio: sent %s seq=%d to %#02x", t, seq, dst)
	return true
}

// SendMessage sends a typed message.
func (g *Gateway) SendMessage(dst uint8, msg wire.Message) bool {
	return g.Send(dst, msg.Type(), msg.MarshalPayload())
}

// BroadcastAlert sends an alert command to every node. Text beyond the alert payload
// budget is cut off.
func (g *Gateway) BroadcastAlert(level uint8, message string) bool {
	return g.SendMessage(wire.BroadcastAddr, wire.AlertCommand{
		Level:   level,
		Message: wire.TruncateUTF8(message, wire.MaxAlertText),
	})
}
