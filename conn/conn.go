// Package conn owns a single TCP peer session: its reader/writer, wire
// handshake, choke/interest state, and pipelined request bookkeeping.
package conn

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenwicklabs/swarmd/bandwidth"
	"github.com/fenwicklabs/swarmd/core"
	"github.com/fenwicklabs/swarmd/wire"
)

// Sentinel errors surfaced at conn's public seams.
var (
	ErrConnectFailed    = errors.New("conn: failed to reach peer")
	ErrHandshakeFailed  = errors.New("conn: handshake failed")
	ErrInfoHashMismatch = errors.New("conn: peer is on a different torrent")
	ErrTimeout          = errors.New("conn: operation timed out")
	ErrClosed           = errors.New("conn: connection is closed")
	ErrNotActive        = errors.New("conn: connection is not active")
	ErrPipelineFull     = errors.New("conn: pipeline is at capacity")
	ErrSendBufferFull   = errors.New("conn: send buffer is full")
)

// Events notifies a Conn's owner of lifecycle and state-machine events.
type Events interface {
	ConnClosed(c *Conn, reason error)
}

// Conn manages one peer session: reading/writing wire frames, tracking the
// state machine, and the am_choking/am_interested/peer_choking/
// peer_interested flags and pipeline.
type Conn struct {
	peerID         core.PeerID
	localPeerID    core.PeerID
	infoHash       core.InfoHash
	createdAt      time.Time
	openedByRemote bool

	nc        net.Conn
	config    Config
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	events    Events
	logger    *zap.SugaredLogger

	pipeline *pipeline

	mu               sync.Mutex
	state            State
	amChoking        bool
	amInterested     bool
	peerChoking      bool
	peerInterested   bool
	bitfieldSent     bool
	bitfieldReceived bool
	lastActivity     time.Time

	statsMu      sync.Mutex
	lastSampleAt time.Time
	bytesUpTotal uint64
	bytesDownTotal uint64
	bytesUpSinceSample   uint64
	bytesDownSinceSample uint64
	ewmaUpRate   float64
	ewmaDownRate float64

	sender   chan wire.Message
	receiver chan wire.Message

	startOnce sync.Once
	closed    *atomic.Bool
	done      chan struct{}
	group     *errgroup.Group
}

func newConn(
	config Config,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger,
) *Conn {
	config = config.applyDefaults()
	now := clk.Now()
	return &Conn{
		peerID:         remotePeerID,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		createdAt:      now,
		openedByRemote: openedByRemote,
		nc:             nc,
		config:         config,
		clk:            clk,
		bandwidth:      bw,
		events:         events,
		logger:         logger,
		pipeline:       newPipeline(),
		state:          Connecting,
		lastActivity:   now,
		lastSampleAt:   now,
		sender:         make(chan wire.Message, config.SenderBufferSize),
		receiver:       make(chan wire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// Dial opens an outbound TCP connection to addr, performs the handshake,
// and returns a Conn in HANDSHAKE_RECEIVED, or fails with ErrConnectFailed,
// ErrHandshakeFailed, or ErrInfoHashMismatch.
func Dial(
	config Config,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	addr string,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	nc, err := net.DialTimeout("tcp", addr, config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	if err := wire.WriteHandshake(nc, wire.NewHandshake(infoHash, localPeerID)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err)
	}

	hs, err := wire.ReadHandshake(nc, infoHash)
	if err != nil {
		nc.Close()
		if errors.Is(err, wire.ErrInfoHashMismatch) {
			return nil, ErrInfoHashMismatch
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err)
	}

	c := newConn(config, clk, bw, events, nc, localPeerID, hs.PeerID, infoHash, false, logger)
	c.mu.Lock()
	c.state = HandshakeReceived
	c.mu.Unlock()
	return c, nil
}

// Accept completes the handshake on an inbound connection nc (the remote
// peer dialed us) and returns a Conn in HANDSHAKE_RECEIVED.
func Accept(
	config Config,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	config = config.applyDefaults()

	hs, err := wire.ReadHandshake(nc, infoHash)
	if err != nil {
		nc.Close()
		if errors.Is(err, wire.ErrInfoHashMismatch) {
			return nil, ErrInfoHashMismatch
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err)
	}

	if err := wire.WriteHandshake(nc, wire.NewHandshake(infoHash, localPeerID)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err)
	}

	c := newConn(config, clk, bw, events, nc, localPeerID, hs.PeerID, infoHash, true, logger)
	c.mu.Lock()
	c.state = HandshakeReceived
	c.mu.Unlock()
	return c, nil
}

// Start begins the read/write loops. Idempotent.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		var g errgroup.Group
		c.group = &g
		g.Go(func() error {
			c.readLoop()
			return nil
		})
		g.Go(func() error {
			c.writeLoop()
			return nil
		})
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent info hash this connection serves.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was constructed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Receiver returns a read-only channel of decoded inbound messages.
func (c *Conn) Receiver() <-chan wire.Message {
	return c.receiver
}

// Send enqueues msg for writing. Returns ErrClosed if the connection has
// been closed, ErrSendBufferFull if the sender buffer is saturated.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sender <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// MarkBitfieldSent advances HANDSHAKE_RECEIVED -> BITFIELD_SENT.
func (c *Conn) MarkBitfieldSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitfieldSent = true
	if c.state == HandshakeReceived {
		c.state = BitfieldSent
	}
}

// MarkBitfieldReceived advances towards BITFIELD_RECEIVED or ACTIVE once
// both directions have exchanged a bitfield.
func (c *Conn) MarkBitfieldReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitfieldReceived = true
	if bothBitfieldsExchanged(c.bitfieldSent, c.bitfieldReceived) {
		c.state = Active
	} else if c.state == HandshakeReceived || c.state == BitfieldSent {
		c.state = BitfieldReceived
	}
}

// SetPeerChoking updates peer_choking and follows the ACTIVE<->CHOKED
// transition.
func (c *Conn) SetPeerChoking(choking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerChoking = choking
	if choking && c.state == Active {
		c.state = Choked
	} else if !choking && c.state == Choked {
		c.state = Active
	}
}

// SetPeerInterested updates peer_interested.
func (c *Conn) SetPeerInterested(interested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerInterested = interested
}

// PeerChoking, PeerInterested, AmChoking, AmInterested report the
// connection's current flow-control flags.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// SendChoke writes CHOKE and sets am_choking.
func (c *Conn) SendChoke() error {
	c.mu.Lock()
	c.amChoking = true
	c.mu.Unlock()
	return c.Send(wire.NewChoke())
}

// SendUnchoke writes UNCHOKE and clears am_choking.
func (c *Conn) SendUnchoke() error {
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	return c.Send(wire.NewUnchoke())
}

// SendInterested writes INTERESTED and sets am_interested.
func (c *Conn) SendInterested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.Send(wire.NewInterested())
}

// SendNotInterested writes NOT_INTERESTED and clears am_interested.
func (c *Conn) SendNotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.Send(wire.NewNotInterested())
}

// SendHave writes HAVE(piece).
func (c *Conn) SendHave(piece int) error {
	return c.Send(wire.NewHave(uint32(piece)))
}

// SendBitfield writes our BITFIELD and marks it sent.
func (c *Conn) SendBitfield(bits []byte) error {
	if err := c.Send(wire.NewBitfield(bits)); err != nil {
		return err
	}
	c.MarkBitfieldSent()
	return nil
}

// QueueRequest enqueues a REQUEST for (piece,begin,length), failing with
// ErrNotActive or ErrPipelineFull if those preconditions aren't met.
func (c *Conn) QueueRequest(piece int, begin, length uint32) error {
	if c.State() != Active {
		return ErrNotActive
	}
	if !c.pipeline.Reserve(piece, begin, length, c.clk.Now()) {
		return ErrPipelineFull
	}
	if err := c.Send(wire.NewRequest(uint32(piece), begin, length)); err != nil {
		c.pipeline.Remove(piece, begin, length)
		return err
	}
	return nil
}

// Cancel removes (piece,begin,length) from the outstanding set, if present,
// and writes CANCEL.
func (c *Conn) Cancel(piece int, begin, length uint32) error {
	c.pipeline.Remove(piece, begin, length)
	return c.Send(wire.NewCancel(uint32(piece), begin, length))
}

// FulfillRequest records a PIECE delivery against the pipeline, adapting
// depth, and returns the observed round trip.
func (c *Conn) FulfillRequest(piece int, begin, length uint32) time.Duration {
	return c.pipeline.Fulfilled(piece, begin, length, c.clk.Now())
}

// TimeoutRequest records a block request timeout against the pipeline.
func (c *Conn) TimeoutRequest(piece int, begin, length uint32) {
	c.pipeline.Timeout(piece, begin, length)
}

// PenalizeDepth halves the pipeline depth on snub detection, independent of
// any single block.
func (c *Conn) PenalizeDepth() {
	c.pipeline.Penalize()
}

// PipelineDepth returns the connection's current adaptive pipeline depth.
func (c *Conn) PipelineDepth() int { return c.pipeline.Depth() }

// OutstandingCount returns the number of in-flight requests.
func (c *Conn) OutstandingCount() int { return c.pipeline.OutstandingCount() }

// CheckSnub reports whether this connection is currently snubbed (no block
// for 30s with at least one outstanding request).
func (c *Conn) CheckSnub() bool {
	return c.pipeline.CheckSnub(c.clk.Now())
}

// ShouldDisconnectForSnubbing reports whether 3 consecutive snubs have been
// observed.
func (c *Conn) ShouldDisconnectForSnubbing() bool {
	return c.pipeline.TooManySnubs()
}

// RecordActivity stamps the connection as active now, for idle-timeout and
// keep-alive bookkeeping.
func (c *Conn) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.clk.Now()
}

// LastActivity returns the last time any message was sent or received.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IdleDuration returns how long the connection has been idle.
func (c *Conn) IdleDuration() time.Duration {
	return c.clk.Now().Sub(c.LastActivity())
}

// RecordUpload accrues n bytes to the upload counters.
func (c *Conn) RecordUpload(n int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.bytesUpTotal += uint64(n)
	c.bytesUpSinceSample += uint64(n)
}

// RecordDownload accrues n bytes to the download counters.
func (c *Conn) RecordDownload(n int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.bytesDownTotal += uint64(n)
	c.bytesDownSinceSample += uint64(n)
}

// BytesUp, BytesDown return cumulative transfer totals.
func (c *Conn) BytesUp() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.bytesUpTotal
}

func (c *Conn) BytesDown() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.bytesDownTotal
}

// SampleRates folds bytes transferred since the last sample into the EWMA
// up/down rates using a 20s half-life, and returns them.
func (c *Conn) SampleRates() (upRate, downRate float64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	now := c.clk.Now()
	elapsed := now.Sub(c.lastSampleAt)
	if elapsed <= 0 {
		return c.ewmaUpRate, c.ewmaDownRate
	}

	instantUp := float64(c.bytesUpSinceSample) / elapsed.Seconds()
	instantDown := float64(c.bytesDownSinceSample) / elapsed.Seconds()
	alpha := 1 - math.Exp(-math.Ln2*elapsed.Seconds()/statsEwmaHalfLife.Seconds())

	c.ewmaUpRate = alpha*instantUp + (1-alpha)*c.ewmaUpRate
	c.ewmaDownRate = alpha*instantDown + (1-alpha)*c.ewmaDownRate
	c.bytesUpSinceSample = 0
	c.bytesDownSinceSample = 0
	c.lastSampleAt = now

	return c.ewmaUpRate, c.ewmaDownRate
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.Close(nil)
	}()

	dec := wire.NewDecoder(c.nc)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := dec.Decode()
		if err != nil {
			c.log().Infof("read loop exiting: %s", err)
			return
		}
		if msg.IsKeepAlive() {
			c.RecordActivity()
			continue
		}
		if msg.ID == wire.Piece {
			_, _, block, err := wire.ParsePiece(msg)
			if err == nil {
				if err := c.bandwidth.ReserveIngress(int64(len(block))); err != nil {
					c.log().Errorf("reserve ingress bandwidth: %s", err)
				}
				c.RecordDownload(len(block))
			}
		}
		c.RecordActivity()

		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.Close(nil)

	enc := wire.NewEncoder(c.nc)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if msg.ID == wire.Piece {
				_, _, block, err := wire.ParsePiece(msg)
				if err == nil {
					if err := c.bandwidth.ReserveEgress(int64(len(block))); err != nil {
						c.log().Errorf("reserve egress bandwidth: %s", err)
					}
					c.RecordUpload(len(block))
				}
			}
			if err := enc.Encode(msg); err != nil {
				c.log().Infof("write loop exiting: %s", err)
				return
			}
			c.RecordActivity()
		}
	}
}

// Close begins the shutdown sequence: stops the loops, closes the socket,
// flushes outstanding pipeline entries, and notifies Events.ConnClosed.
// Idempotent.
func (c *Conn) Close(reason error) {
	if !c.closed.CAS(false, true) {
		return
	}
	c.mu.Lock()
	c.state = Errored
	c.mu.Unlock()

	go func() {
		close(c.done)
		c.nc.Close()
		if c.group != nil {
			c.group.Wait()
		}
		c.pipeline.Flush()
		if c.events != nil {
			c.events.ConnClosed(c, reason)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ReadBlockFallback is used by the upload path to emulate a "read
// bytes within 5s or drop" serving contract via io.ReadFull-style blocking
// reads against a caller-provided source, bounding wait with UploadServeTimeout.
func (c *Conn) ReadBlockFallback(read func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := read()
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-time.After(c.config.UploadServeTimeout):
		return nil, io.ErrNoProgress
	}
}

func (c *Conn) log() *zap.SugaredLogger {
	return c.logger.With("remote_peer", c.peerID, "hash", c.infoHash)
}
