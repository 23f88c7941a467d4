package mp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/manapmd/internal/metrics"
	"github.com/piwi3910/manapmd/pkg/drverrors"
)

// MsgKind identifies a resource message channel request.
type MsgKind uint8

const (
	// MsgHello announces a secondary to the primary; payload is the
	// secondary's identity token.
	MsgHello MsgKind = iota + 1

	// MsgVerbsCmdFd asks the primary for the hardware control descriptor
	// needed to map the doorbell region. The descriptor rides back in the
	// response's ancillary data.
	MsgVerbsCmdFd

	// MsgStartRxTx tells a secondary to enable its fast-path entry points.
	MsgStartRxTx

	// MsgStopRxTx tells a secondary to disable its fast-path entry points.
	MsgStopRxTx

	// MsgRxTxState asks the primary whether the fast path is currently
	// enabled; response payload is one byte, 0 or 1.
	MsgRxTxState
)

// String returns the message kind name.
func (k MsgKind) String() string {
	switch k {
	case MsgHello:
		return "hello"
	case MsgVerbsCmdFd:
		return "verbs_cmd_fd"
	case MsgStartRxTx:
		return "start_rxtx"
	case MsgStopRxTx:
		return "stop_rxtx"
	case MsgRxTxState:
		return "rxtx_state"
	default:
		return fmt.Sprintf("MsgKind(%d)", uint8(k))
	}
}

const (
	headerSize = 8

	flagResponse = 1 << 0
	flagError    = 1 << 1

	// RequestTimeout bounds every channel round trip. No cancellation is
	// supported; a timed-out request is surfaced as an error the caller
	// unwinds from.
	RequestTimeout = 5 * time.Second

	maxFrame = 4096
)

var ErrChannelClosed = errors.New("resource message channel closed")

// Handler serves an incoming request. A non-negative fd is attached to the
// response as ancillary data.
type Handler func(kind MsgKind, payload []byte) (resp []byte, fd int, err error)

type frame struct {
	kind    MsgKind
	flags   uint8
	seq     uint32
	payload []byte
	fd      int
}

func encodeFrame(f *frame) []byte {
	buf := make([]byte, headerSize+len(f.payload))
	buf[0] = byte(f.kind)
	buf[1] = f.flags
	binary.BigEndian.PutUint32(buf[4:8], f.seq)
	copy(buf[headerSize:], f.payload)

	return buf
}

func decodeFrame(buf []byte, oob []byte) (*frame, error) {
	if len(buf) < headerSize {
		return nil, drverrors.ErrMalformedResponse.WithMessage(
			fmt.Sprintf("short frame: %d bytes", len(buf)))
	}

	f := &frame{
		kind:    MsgKind(buf[0]),
		flags:   buf[1],
		seq:     binary.BigEndian.Uint32(buf[4:8]),
		payload: buf[headerSize:],
		fd:      -1,
	}

	if len(oob) > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob)
		if err != nil {
			return nil, drverrors.ErrMalformedResponse.WithCause(err)
		}

		for _, m := range msgs {
			fds, err := unix.ParseUnixRights(&m)
			if err != nil || len(fds) == 0 {
				continue
			}

			f.fd = fds[0]
		}
	}

	return f, nil
}

type pendingResp struct {
	payload []byte
	fd      int
	err     error
}

// Peer is one end of a resource message channel connection. Both ends can
// issue requests: the secondary asks for privileged resources, the primary
// pushes fast-path enable/disable state.
type Peer struct {
	conn    *net.UnixConn
	handler Handler

	// onExit fires once when the read loop ends, however it ends. The
	// listener uses it to drop the peer from its tracking map.
	onExit func(*Peer)

	writeMu sync.Mutex
	mu      sync.Mutex
	id      string
	pending map[uint32]chan pendingResp
	seq     atomic.Uint32
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func newPeer(conn *net.UnixConn, id string, handler Handler, onExit func(*Peer)) *Peer {
	return &Peer{
		conn:    conn,
		handler: handler,
		id:      id,
		onExit:  onExit,
		pending: make(map[uint32]chan pendingResp),
		done:    make(chan struct{}),
	}
}

// start runs the read loop. Separate from construction so a caller can
// finish wiring the handler before frames arrive.
func (p *Peer) start() {
	p.wg.Add(1)
	go p.readLoop()
}

// ID returns the peer's identity token.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.id
}

func (p *Peer) setID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.id = id
}

// Request sends a request and blocks until the response arrives or the
// request times out. The returned fd is -1 unless the response carried one;
// ownership of a returned fd passes to the caller.
func (p *Peer) Request(kind MsgKind, payload []byte) ([]byte, int, error) {
	resp, fd, err := p.request(kind, payload)

	status := "ok"
	if err != nil {
		status = "error"
	}

	metrics.RecordMPRequest(kind.String(), status)

	return resp, fd, err
}

func (p *Peer) request(kind MsgKind, payload []byte) ([]byte, int, error) {
	if p.closed.Load() {
		return nil, -1, ErrChannelClosed
	}

	seq := p.seq.Add(1)
	ch := make(chan pendingResp, 1)

	p.mu.Lock()
	p.pending[seq] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
	}()

	if err := p.send(&frame{kind: kind, seq: seq, payload: payload, fd: -1}); err != nil {
		return nil, -1, err
	}

	select {
	case r := <-ch:
		return r.payload, r.fd, r.err
	case <-time.After(RequestTimeout):
		return nil, -1, drverrors.ErrChannelTimeout.WithMessage(
			fmt.Sprintf("no response to %s within %s", kind, RequestTimeout))
	case <-p.done:
		return nil, -1, ErrChannelClosed
	}
}

func (p *Peer) send(f *frame) error {
	var oob []byte
	if f.fd >= 0 {
		oob = unix.UnixRights(f.fd)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_, _, err := p.conn.WriteMsgUnix(encodeFrame(f), oob, nil)

	return err
}

func (p *Peer) readLoop() {
	defer p.wg.Done()

	defer func() {
		if p.onExit != nil {
			p.onExit(p)
		}
	}()

	buf := make([]byte, maxFrame)
	oob := make([]byte, 128)

	for {
		n, oobn, _, _, err := p.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			p.fail(err)
			return
		}

		f, err := decodeFrame(append([]byte(nil), buf[:n]...), oob[:oobn])
		if err != nil {
			log.Warn().Err(err).Str("peer", p.ID()).Msg("dropping malformed channel frame")
			continue
		}

		if f.flags&flagResponse != 0 {
			p.deliver(f)
			continue
		}

		p.serve(f)
	}
}

func (p *Peer) deliver(f *frame) {
	p.mu.Lock()
	ch, ok := p.pending[f.seq]
	p.mu.Unlock()

	if !ok {
		if f.fd >= 0 {
			_ = unix.Close(f.fd)
		}

		log.Warn().Uint32("seq", f.seq).Str("peer", p.ID()).
			Msg("response for unknown request sequence")

		return
	}

	r := pendingResp{payload: f.payload, fd: f.fd}
	if f.flags&flagError != 0 {
		r.err = fmt.Errorf("peer error: %s", string(f.payload))
		r.payload = nil
	}

	ch <- r
}

func (p *Peer) serve(f *frame) {
	resp := &frame{kind: f.kind, flags: flagResponse, seq: f.seq, fd: -1}

	if p.handler == nil {
		resp.flags |= flagError
		resp.payload = []byte("no handler registered")
	} else {
		payload, fd, err := p.handler(f.kind, f.payload)
		if err != nil {
			resp.flags |= flagError
			resp.payload = []byte(err.Error())
		} else {
			resp.payload = payload
			resp.fd = fd
		}
	}

	if err := p.send(resp); err != nil {
		log.Warn().Err(err).Str("peer", p.ID()).Msg("failed to send channel response")
	}
}

func (p *Peer) fail(err error) {
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	for seq, ch := range p.pending {
		ch <- pendingResp{fd: -1, err: fmt.Errorf("channel read failed: %w", err)}
		delete(p.pending, seq)
	}
	p.mu.Unlock()
}

// Close tears the connection down. Safe to call twice.
func (p *Peer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	close(p.done)
	_ = p.conn.Close()
	p.wg.Wait()
}

// Listener is the primary-side channel endpoint: it accepts secondary
// connections and serves their requests.
type Listener struct {
	ln      *net.UnixListener
	handler Handler
	path    string

	mu     sync.Mutex
	peers  map[*Peer]struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Listen creates the primary-side endpoint at path. A stale socket file
// from a previous run is removed first.
func Listen(path string, handler Handler) (*Listener, error) {
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}

	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on resource channel: %w", err)
	}

	l := &Listener{
		ln:      ln,
		handler: handler,
		path:    path,
		peers:   make(map[*Peer]struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if l.closed.Load() {
				return
			}

			log.Warn().Err(err).Msg("resource channel accept failed")

			return
		}

		peer := newPeer(conn, "", nil, l.remove)
		peer.handler = func(kind MsgKind, payload []byte) ([]byte, int, error) {
			return l.dispatch(peer, kind, payload)
		}

		l.track(peer)
		peer.start()
	}
}

func (l *Listener) track(p *Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.peers[p] = struct{}{}
}

// remove forgets a peer whose connection ended, so a broadcast never
// touches a dead connection.
func (l *Listener) remove(p *Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.peers, p)
}

func (l *Listener) dispatch(p *Peer, kind MsgKind, payload []byte) ([]byte, int, error) {
	if kind == MsgHello {
		p.setID(string(payload))
		log.Info().Str("secondary", p.ID()).Msg("secondary process attached to resource channel")

		return nil, -1, nil
	}

	if l.handler == nil {
		return nil, -1, fmt.Errorf("unsupported request %s", kind)
	}

	return l.handler(kind, payload)
}

// PeerIDs returns the identity tokens of the currently connected
// secondaries.
func (l *Listener) PeerIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.peers))

	for p := range l.peers {
		ids = append(ids, p.ID())
	}

	return ids
}

// Broadcast sends kind to every connected secondary and waits for all acks.
func (l *Listener) Broadcast(ctx context.Context, kind MsgKind) error {
	l.mu.Lock()
	peers := make([]*Peer, 0, len(l.peers))

	for p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)

	for _, p := range peers {
		p := p
		g.Go(func() error {
			_, _, err := p.Request(kind, nil)
			if err != nil {
				return fmt.Errorf("broadcast %s to %s: %w", kind, p.ID(), err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Close shuts the listener and every accepted peer down and removes the
// socket file.
func (l *Listener) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	_ = l.ln.Close()
	l.wg.Wait()

	// Snapshot outside the lock: each closing peer's read loop fires the
	// removal callback, which takes the lock again.
	l.mu.Lock()
	peers := make([]*Peer, 0, len(l.peers))

	for p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	_ = os.Remove(l.path)
}

// Dial connects a secondary to the primary's endpoint and announces itself.
// The handler serves requests pushed by the primary (fast-path
// enable/disable).
func Dial(path string, handler Handler) (*Peer, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}

	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, drverrors.DriverError{
			Category: drverrors.ProtocolFailure,
			Code:     "ChannelDial",
			Message:  "cannot reach primary resource channel",
			Cause:    err,
		}
	}

	p := newPeer(conn, uuid.NewString(), handler, nil)
	p.start()

	if _, _, err := p.Request(MsgHello, []byte(p.ID())); err != nil {
		p.Close()
		return nil, fmt.Errorf("announce to primary: %w", err)
	}

	return p, nil
}
