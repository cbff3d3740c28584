// Package swarm owns the set of peer connections for a single torrent,
// routes inbound wire messages, and drives piece selection, hash
// verification, and choking. It is the single collaborator external
// code talks to: peer discovery feeds it candidate endpoints, a
// FileAssembler backs piece storage once verified data is evicted from
// memory, and an Events implementation receives lifecycle notifications.
package swarm

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"

	"github.com/fenwicklabs/swarmd/availability"
	"github.com/fenwicklabs/swarmd/bandwidth"
	"github.com/fenwicklabs/swarmd/choke"
	"github.com/fenwicklabs/swarmd/conn"
	"github.com/fenwicklabs/swarmd/core"
	"github.com/fenwicklabs/swarmd/piecerequest"
	"github.com/fenwicklabs/swarmd/piecestore"
	"github.com/fenwicklabs/swarmd/verify"
	"github.com/fenwicklabs/swarmd/wire"
)

// peerHandle bundles a Conn with manager-owned bookkeeping that doesn't
// belong to conn.Conn itself: the blocklist/reliability fields live at the
// torrent scope, not the per-socket scope, since they must survive
// reconnection attempts.
type peerHandle struct {
	c        *conn.Conn
	endpoint string
}

// Manager owns every PeerConnection, the piece store, and the availability
// index for one torrent; routes inbound messages; and drives piece
// selection, verification, and choking.
type Manager struct {
	config   Config
	info     *core.TorrentInfo
	peerID   core.PeerID
	assembler FileAssembler
	events   Events
	clk      clock.Clock
	stats    tally.Scope
	logger   *zap.SugaredLogger

	store     *piecestore.Store
	avail     *availability.Index
	selector  *piecerequest.Manager
	chokeSched *choke.Scheduler
	verifyPool *verify.Pool
	bw         *bandwidth.Limiter

	connections syncmap.Map // core.PeerID -> *peerHandle

	mu            sync.Mutex
	dialed        map[string]struct{} // endpoint -> in-flight/connected, dedupes AddCandidatePeer
	blocklist     map[string]time.Time
	reliability   map[core.PeerID]float64
	hashFailures  map[core.PeerID]int
	closed        bool
	storagePaused bool

	doneOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager for info, wiring its own piece store,
// availability index, selector, choking scheduler, and hash-verifier pool.
func NewManager(
	config Config,
	info *core.TorrentInfo,
	peerID core.PeerID,
	assembler FileAssembler,
	events Events,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) (*Manager, error) {
	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "swarm"})

	if events == nil {
		events = NopEvents{}
	}

	pieceLengths := make([]uint32, info.NumPieces())
	for i := range pieceLengths {
		l, err := info.PieceLength(i)
		if err != nil {
			return nil, err
		}
		pieceLengths[i] = l
	}

	m := &Manager{
		config:       config,
		info:         info,
		peerID:       peerID,
		assembler:    assembler,
		events:       events,
		clk:          clk,
		stats:        stats,
		logger:       logger,
		avail:        availability.NewIndex(info.NumPieces()),
		dialed:       make(map[string]struct{}),
		blocklist:    make(map[string]time.Time),
		reliability:  make(map[core.PeerID]float64),
		hashFailures: make(map[core.PeerID]int),
		done:         make(chan struct{}),
	}

	selector, err := piecerequest.NewManager(clk, config.Piecerequest, info.NumPieces())
	if err != nil {
		return nil, fmt.Errorf("swarm: piece request manager: %w", err)
	}
	m.selector = selector

	m.bw = bandwidth.NewLimiter(config.Bandwidth, logger)
	m.chokeSched = choke.NewScheduler(clk, config.Choke)
	m.verifyPool = verify.NewPool(config.Verify, info.PieceHash, m, logger)
	m.store = piecestore.NewStore(pieceLengths, 0, m.verifyPool)

	if assembler != nil {
		existing, err := assembler.ExistingPieces()
		if err != nil {
			return nil, fmt.Errorf("swarm: existing pieces: %w", err)
		}
		for i := range existing {
			if err := m.store.MarkExistingVerified(i); err != nil {
				return nil, err
			}
		}
	}

	m.wg.Add(1)
	go m.houseKeepingLoop()

	return m, nil
}

// MarkVerified implements verify.Events: it commits the hash result to the
// piece store, broadcasts HAVE, and fires PieceVerified /
// DownloadComplete. A verified piece ends the run of consecutive hash
// failures of every peer in its requested-from set.
func (m *Manager) MarkVerified(pieceIndex int) {
	keys, _ := m.store.RequestedFrom(pieceIndex)
	m.mu.Lock()
	for _, key := range keys {
		if peerID, ok := peerIDFromKey(key); ok {
			delete(m.hashFailures, peerID)
		}
	}
	m.mu.Unlock()

	if err := m.store.MarkVerified(pieceIndex); err != nil {
		m.logger.Errorw("mark verified", "piece", pieceIndex, "error", err)
		return
	}
	m.stats.Counter("pieces_verified").Inc(1)
	m.broadcastHave(pieceIndex)
	m.events.PieceVerified(pieceIndex)

	if len(m.store.VerifiedPieces()) == m.info.NumPieces() {
		m.events.DownloadComplete()
	}
}

// MarkFailed implements verify.Events: it returns the piece to MISSING and
// penalizes the reliability of every peer in the piece's requested-from set
// (peers it was requested from or that contributed a block to it).
func (m *Manager) MarkFailed(pieceIndex int) {
	keys, err := m.store.RequestedFrom(pieceIndex)
	if err != nil {
		m.logger.Errorw("requested from", "piece", pieceIndex, "error", err)
	}
	if err := m.store.MarkFailed(pieceIndex); err != nil {
		m.logger.Errorw("mark failed", "piece", pieceIndex, "error", err)
		return
	}
	m.stats.Counter("hash_verification_failures").Inc(1)

	m.mu.Lock()
	for _, key := range keys {
		peerID, ok := peerIDFromKey(key)
		if !ok {
			continue
		}
		r, ok := m.reliability[peerID]
		if !ok {
			r = 1
		}
		r -= 0.1
		if r < 0 {
			r = 0
		}
		m.reliability[peerID] = r

		m.hashFailures[peerID]++
		if m.hashFailures[peerID] >= m.config.MaxConsecutiveHashFails {
			if h, ok := m.connections.Load(peerID); ok {
				ph := h.(*peerHandle)
				m.mu.Unlock()
				m.disconnect(ph, fmt.Errorf("swarm: %d consecutive hash failures", m.hashFailures[peerID]))
				m.mu.Lock()
			}
		}
	}
	m.mu.Unlock()

	m.refillAllPipelines()
}

func peerIDFromKey(key string) (core.PeerID, bool) {
	id, err := core.NewPeerID(key)
	if err != nil {
		return core.PeerID{}, false
	}
	return id, true
}

// AddCandidatePeer consumes one discovered endpoint, dialing it unless
// we're already connected/connecting to it, it's blocklisted, or we're at
// max_connections_per_torrent.
func (m *Manager) AddCandidatePeer(endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	if m.connectionCount() >= m.config.MaxConnectionsPerTorrent {
		m.mu.Unlock()
		return ErrTorrentAtCapacity
	}
	if until, blocked := m.blocklist[endpoint]; blocked {
		if m.clk.Now().Before(until) {
			m.mu.Unlock()
			return ErrPeerBlocklisted
		}
		delete(m.blocklist, endpoint)
	}
	if _, already := m.dialed[endpoint]; already {
		m.mu.Unlock()
		return nil
	}
	m.dialed[endpoint] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dial(endpoint)
	}()
	return nil
}

func (m *Manager) connectionCount() int {
	n := 0
	m.connections.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (m *Manager) dial(endpoint string) {
	c, err := conn.Dial(m.config.Conn, m.clk, m.bw, connEvents{m}, endpoint, m.peerID, m.info.InfoHash(), m.logger)
	if err != nil {
		m.logger.Infow("dial failed", "endpoint", endpoint, "error", err)
		m.mu.Lock()
		delete(m.dialed, endpoint)
		m.mu.Unlock()
		return
	}
	m.bringUp(c, endpoint)
}

// AcceptConn completes the inbound handshake on nc and registers the
// resulting connection.
func (m *Manager) AcceptConn(nc net.Conn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		nc.Close()
		return ErrAlreadyClosed
	}
	if m.connectionCount() >= m.config.MaxConnectionsPerTorrent {
		m.mu.Unlock()
		nc.Close()
		return ErrTorrentAtCapacity
	}
	m.mu.Unlock()

	c, err := conn.Accept(m.config.Conn, m.clk, m.bw, connEvents{m}, nc, m.peerID, m.info.InfoHash(), m.logger)
	if err != nil {
		return err
	}
	m.bringUp(c, nc.RemoteAddr().String())
	return nil
}

// bringUp performs the bring-up sequence common to both dial and accept:
// send our BITFIELD, unchoke by default, register the connection, and
// start its message loop.
func (m *Manager) bringUp(c *conn.Conn, endpoint string) {
	h := &peerHandle{c: c, endpoint: endpoint}

	if _, loaded := m.connections.LoadOrStore(c.PeerID(), h); loaded {
		c.Close(ErrConnectFailed)
		return
	}

	c.Start()
	if err := c.SendBitfield(m.localBitfieldBytes()); err != nil {
		m.logger.Infow("send bitfield failed", "peer", c.PeerID(), "error", err)
	}
	if err := c.SendUnchoke(); err != nil {
		m.logger.Infow("send unchoke failed", "peer", c.PeerID(), "error", err)
	}

	m.events.PeerConnected(c.PeerID(), endpoint)

	m.wg.Add(1)
	go m.feed(h)
}

func (m *Manager) localBitfieldBytes() []byte {
	n := m.info.NumPieces()
	bits := make([]byte, (n+7)/8)
	for _, i := range m.store.VerifiedPieces() {
		bits[i/8] |= 1 << uint(7-i%8)
	}
	return bits
}

// feed is the per-peer message loop: read decoded frames off the Conn's
// receiver and dispatch them.
func (m *Manager) feed(h *peerHandle) {
	defer m.wg.Done()
	for msg := range h.c.Receiver() {
		if err := m.dispatch(h, msg); err != nil {
			m.logger.Infow("dispatch error", "peer", h.c.PeerID(), "error", err)
			m.disconnect(h, err)
			return
		}
	}
	m.removeConn(h, nil)
}

// dispatch handles one decoded inbound message. Every one of the 9 wire
// message types (plus keep-alive, handled in conn's read loop) has an
// explicit case below.
func (m *Manager) dispatch(h *peerHandle, msg wire.Message) error {
	peerID := h.c.PeerID()

	switch msg.ID {
	case wire.Choke:
		h.c.SetPeerChoking(true)
	case wire.Unchoke:
		h.c.SetPeerChoking(false)
		m.refillPipeline(h)
	case wire.Interested:
		h.c.SetPeerInterested(true)
	case wire.NotInterested:
		h.c.SetPeerInterested(false)
	case wire.Have:
		piece, err := wire.ParseHave(msg)
		if err != nil || int(piece) >= m.info.NumPieces() {
			return ErrProtocolError
		}
		m.avail.RecordHave(peerID, int(piece))
		m.maybeDeclareInterest(h)
		m.refillPipeline(h)
	case wire.Bitfield:
		if err := wire.ValidateBitfieldLength(msg.Payload, m.info.NumPieces()); err != nil {
			return ErrProtocolError
		}
		m.avail.UpdateBitfield(peerID, msg.Payload)
		h.c.MarkBitfieldReceived()
		m.maybeDeclareInterest(h)
		m.refillPipeline(h)
	case wire.Request:
		m.serveRequest(h, msg)
	case wire.Piece:
		return m.handlePiece(h, msg)
	case wire.Cancel:
		// No-op: requests are served synchronously within
		// UploadServeTimeout, so by the time a CANCEL arrives we've
		// either already replied or already dropped it.
	default:
		return ErrProtocolError
	}
	return nil
}

func (m *Manager) maybeDeclareInterest(h *peerHandle) {
	bits := m.avail.PeerBitfield(h.c.PeerID())
	verified := m.verifiedBitset()
	interesting := bits.Difference(verified).Count() > 0

	if interesting && !h.c.AmInterested() {
		h.c.SendInterested()
	} else if !interesting && h.c.AmInterested() {
		h.c.SendNotInterested()
	}
}

func (m *Manager) verifiedBitset() *bitset.BitSet {
	b := bitset.New(uint(m.info.NumPieces()))
	for _, i := range m.store.VerifiedPieces() {
		b.Set(uint(i))
	}
	return b
}

func (m *Manager) serveRequest(h *peerHandle, msg wire.Message) {
	index, begin, length, err := wire.ParseRequest(msg)
	if err != nil {
		return
	}
	pieceLen, err := m.info.PieceLength(int(index))
	if err != nil || begin > pieceLen || length > pieceLen-begin {
		return
	}
	if h.c.AmChoking() {
		return
	}

	data, ok, err := m.store.GetBlock(int(index), begin, length)
	if err != nil || !ok {
		if m.assembler == nil {
			return
		}
		data, err = h.c.ReadBlockFallback(func() ([]byte, error) {
			return m.assembler.ReadBlock(int(index), int(begin), int(length))
		})
		if err != nil {
			return
		}
	}

	if err := h.c.Send(wire.NewPiece(index, begin, data)); err != nil {
		m.logger.Infow("serve request failed", "peer", h.c.PeerID(), "error", err)
	}
}

func (m *Manager) handlePiece(h *peerHandle, msg wire.Message) error {
	index, begin, block, err := wire.ParsePiece(msg)
	if err != nil {
		return ErrProtocolError
	}
	pieceLen, err := m.info.PieceLength(int(index))
	blockLen := uint32(len(block))
	if err != nil || begin > pieceLen || blockLen > pieceLen-begin {
		return ErrProtocolError
	}

	peerID := h.c.PeerID()

	if m.isStoragePaused() {
		return nil
	}

	key := piecerequest.BlockKey{Piece: int(index), Begin: begin, Length: uint32(len(block))}

	others := m.selector.OtherPendingPeers(key, peerID)
	m.selector.Clear(key)
	h.c.FulfillRequest(int(index), begin, uint32(len(block)))

	for _, other := range others {
		if v, ok := m.connections.Load(other); ok {
			oh := v.(*peerHandle)
			oh.c.Cancel(int(index), begin, uint32(len(block)))
		}
	}

	if m.assembler != nil {
		if err := m.assembler.WriteBlock(int(index), int(begin), block); err != nil {
			m.pauseStorage(err)
			return nil
		}
	}

	if _, err := m.store.AddBlock(int(index), begin, block, peerID.String()); err != nil {
		m.logger.Infow("add block failed", "peer", peerID, "piece", index, "error", err)
		return nil
	}

	m.refillPipeline(h)
	return nil
}

// isStoragePaused reports whether a prior FileAssembler failure has paused
// this torrent (spec: StorageUnavailable stops further writes but the
// engine otherwise keeps running).
func (m *Manager) isStoragePaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storagePaused
}

// pauseStorage records a fatal storage error and notifies the embedder
// exactly once per occurrence; the torrent stops accepting new block
// writes until the embedder resumes it by constructing a fresh Manager.
func (m *Manager) pauseStorage(err error) {
	m.mu.Lock()
	already := m.storagePaused
	m.storagePaused = true
	m.mu.Unlock()

	m.stats.Counter("storage_unavailable").Inc(1)
	if !already {
		m.logger.Errorw("storage unavailable, pausing torrent", "error", err)
	}
	m.events.StorageUnavailable(fmt.Errorf("%w: %s", ErrStorageUnavailable, err))
}

// refillPipeline asks the selector for new blocks to request from h, up to
// its current pipeline quota, and writes the resulting REQUESTs.
func (m *Manager) refillPipeline(h *peerHandle) {
	if h.c.State() != conn.Active || m.isStoragePaused() {
		return
	}
	peerID := h.c.PeerID()

	candidates := m.avail.PeerBitfield(peerID).Difference(m.verifiedBitset())
	m.applyInFlightBackpressure(candidates)

	quota := h.c.PipelineDepth()
	if quota > m.config.PipelineQuotaPerPeer {
		quota = m.config.PipelineQuotaPerPeer
	}

	// Touching Endgame here (rather than only from the housekeeping loop)
	// lets the latch flip mid-tick, right before the ReserveBlocks call
	// that needs to see it.
	m.selector.Endgame(len(m.store.VerifiedPieces()), m.info.NumPieces())

	blocks, err := m.selector.ReserveBlocks(
		peerID, quota, candidates, m.avail.Frequency, m.storeMissingBlocks)
	if err != nil {
		m.logger.Infow("reserve blocks failed", "peer", peerID, "error", err)
		return
	}
	for _, b := range blocks {
		if err := h.c.QueueRequest(b.Piece, b.Begin, b.Length); err != nil {
			m.selector.MarkUnsent(peerID, b)
		} else {
			m.store.MarkRequested(b.Piece, peerID.String())
		}
	}
}

// applyInFlightBackpressure enforces max_in_flight_pieces by clearing
// candidate bits for pieces we haven't started yet (still MISSING) once the
// number of COMPLETE-but-unverified pieces is at cap. Pieces already
// REQUESTED/DOWNLOADING remain selectable so in-progress work can finish.
func (m *Manager) applyInFlightBackpressure(candidates *bitset.BitSet) {
	if m.store.CompleteUnverifiedCount() < m.config.MaxInFlightPieces {
		return
	}
	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		state, err := m.store.State(int(i))
		if err == nil && state == piecestore.Missing {
			candidates.Clear(i)
		}
	}
}

func (m *Manager) storeMissingBlocks(piece int) ([][2]uint32, error) {
	return m.store.MissingBlocks(piece)
}

func (m *Manager) refillAllPipelines() {
	m.connections.Range(func(_, v interface{}) bool {
		m.refillPipeline(v.(*peerHandle))
		return true
	})
}

// broadcastHave sends HAVE(piece) to every connection that has at least
// reached BitfieldSent and doesn't already advertise piece.
func (m *Manager) broadcastHave(piece int) {
	m.connections.Range(func(_, v interface{}) bool {
		h := v.(*peerHandle)
		if h.c.State() < conn.BitfieldSent {
			return true
		}
		if m.avail.Has(h.c.PeerID(), piece) {
			return true
		}
		if err := h.c.SendHave(piece); err != nil {
			m.logger.Infow("send have failed", "peer", h.c.PeerID(), "piece", piece, "error", err)
		}
		return true
	})
}

// connEvents adapts conn.Events to Manager, so a Conn's own Close path
// (read or write error, EOF) routes back through the same disconnect
// bookkeeping as a manager-initiated close.
type connEvents struct{ m *Manager }

func (e connEvents) ConnClosed(c *conn.Conn, reason error) {
	v, ok := e.m.connections.Load(c.PeerID())
	if !ok {
		return
	}
	e.m.removeConn(v.(*peerHandle), reason)
}

// disconnect closes h's connection; removeConn runs once Conn.Close
// delivers ConnClosed back through connEvents.
func (m *Manager) disconnect(h *peerHandle, reason error) {
	h.c.Close(reason)
}

// removeConn drops h from the connection set, availability index, and
// selector bookkeeping, blocklists its endpoint for handshake, info-hash
// and protocol failures, and fires PeerDisconnected.
func (m *Manager) removeConn(h *peerHandle, reason error) {
	peerID := h.c.PeerID()
	if _, loaded := m.connections.LoadAndDelete(peerID); !loaded {
		return
	}

	m.avail.DropPeer(peerID)
	m.selector.ClearPeer(peerID)

	if shouldBlocklist(reason) {
		m.mu.Lock()
		m.blocklist[h.endpoint] = m.clk.Now().Add(m.config.BlocklistTTL)
		delete(m.dialed, h.endpoint)
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		delete(m.dialed, h.endpoint)
		m.mu.Unlock()
	}

	m.events.PeerDisconnected(peerID, reason)
}

func shouldBlocklist(reason error) bool {
	switch reason {
	case conn.ErrHandshakeFailed, conn.ErrInfoHashMismatch, ErrProtocolError,
		ErrHandshakeFailed, ErrInfoHashMismatch:
		return true
	}
	return false
}

// houseKeepingLoop drives the periodic, message-independent work: choking
// ticks, stats ticks, keep-alives, idle/snub detection, and failed-request
// resend, all off of the shared clk so tests can drive them deterministically.
func (m *Manager) houseKeepingLoop() {
	defer m.wg.Done()

	chokeTick := m.clk.Tick(m.config.Choke.UnchokeInterval)
	statsTick := m.clk.Tick(m.config.StatsTickInterval)

	for {
		select {
		case <-m.done:
			return
		case <-chokeTick:
			m.runChokeTick()
		case <-statsTick:
			m.runStatsTick()
			m.runHealthChecks()
			m.resendFailedRequests()
		}
	}
}

func (m *Manager) runChokeTick() {
	var views []choke.PeerView
	m.connections.Range(func(_, v interface{}) bool {
		h := v.(*peerHandle)
		up, down := h.c.SampleRates()
		state := h.c.State()
		views = append(views, choke.PeerView{
			PeerID:       h.c.PeerID(),
			Connected:    state == conn.Active || state == conn.Choked,
			Interested:   h.c.PeerInterested(),
			EwmaDownRate: down,
			EwmaUpRate:   up,
		})
		return true
	})

	seedMode := len(m.store.VerifiedPieces()) == m.info.NumPieces()
	decision := m.chokeSched.Tick(views, seedMode)

	for _, peerID := range decision.Unchoke {
		if v, ok := m.connections.Load(peerID); ok {
			v.(*peerHandle).c.SendUnchoke()
		}
	}
	for _, peerID := range decision.Choke {
		if v, ok := m.connections.Load(peerID); ok {
			v.(*peerHandle).c.SendChoke()
		}
	}

	// decision above only carries this tick's *deltas* from the scheduler's
	// own bookkeeping. A peer unchoked outside of Tick — bring-up's default
	// unchoke, before the peer has ever earned or lost a slot — never
	// entered that bookkeeping, so sweep every connection and choke
	// anything still unchoked that the scheduler doesn't currently want
	// unchoked, keeping the upload-slot cardinality bound enforced every
	// tick rather than only for peers Tick already knew about.
	wanted := m.chokeSched.CurrentlyUnchoked()
	m.connections.Range(func(_, v interface{}) bool {
		h := v.(*peerHandle)
		state := h.c.State()
		if state != conn.Active && state != conn.Choked {
			return true
		}
		if h.c.AmChoking() {
			return true
		}
		if _, ok := wanted[h.c.PeerID()]; !ok {
			h.c.SendChoke()
		}
		return true
	})
}

func (m *Manager) runStatsTick() {
	var up, down float64
	n := 0
	m.connections.Range(func(_, v interface{}) bool {
		h := v.(*peerHandle)
		u, d := h.c.SampleRates()
		up += u
		down += d
		n++
		return true
	})
	m.events.StatsTick(GlobalStats{
		UpRate:         up,
		DownRate:       down,
		ConnectedPeers: n,
		VerifiedPieces: len(m.store.VerifiedPieces()),
		TotalPieces:    m.info.NumPieces(),
	})
}

// runHealthChecks enforces idle-disconnect and keep-alive per connection
// and the snub-disconnect rule.
func (m *Manager) runHealthChecks() {
	var toDisconnect []*peerHandle

	m.connections.Range(func(_, v interface{}) bool {
		h := v.(*peerHandle)

		if h.c.IdleDuration() >= m.config.Conn.IdleTimeout {
			toDisconnect = append(toDisconnect, h)
			return true
		}
		if h.c.IdleDuration() >= m.config.Conn.KeepAliveInterval {
			h.c.Send(wire.KeepAliveMessage())
		}

		if !h.c.PeerChoking() && h.c.CheckSnub() {
			m.stats.Counter("snubs").Inc(1)
			h.c.PenalizeDepth()
			if h.c.ShouldDisconnectForSnubbing() {
				toDisconnect = append(toDisconnect, h)
			}
		}
		return true
	})

	for _, h := range toDisconnect {
		m.disconnect(h, ErrPeerTimeout)
	}
}

// resendFailedRequests pulls expired/unsent/invalid requests from the
// selector, applies the per-connection timeout penalty (pipeline depth
// halved, per spec.md §4.2.3) to whichever connection originated an
// expired request, and opportunistically refills every peer's pipeline,
// letting ReserveBlocks naturally re-home the now-free blocks.
func (m *Manager) resendFailedRequests() {
	failed := m.selector.GetFailedRequests()
	if len(failed) == 0 {
		return
	}
	m.stats.Counter("request_failures").Inc(int64(len(failed)))

	for _, r := range failed {
		if r.Status != piecerequest.StatusExpired {
			continue
		}
		if v, ok := m.connections.Load(r.PeerID); ok {
			v.(*peerHandle).c.TimeoutRequest(r.Block.Piece, r.Block.Begin, r.Block.Length)
		}
	}

	m.refillAllPipelines()
}

// Close shuts the manager down: it stops accepting new housekeeping ticks,
// closes every connection with a grace period for final flushes, and joins
// the hash-verifier pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.doneOnce.Do(func() { close(m.done) })

	m.connections.Range(func(_, v interface{}) bool {
		v.(*peerHandle).c.Close(ErrAlreadyClosed)
		return true
	})

	grace := m.clk.After(m.config.ShutdownGrace)
	gone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(gone)
	}()
	select {
	case <-gone:
	case <-grace:
	}

	return m.verifyPool.Close()
}

// NumConnections returns the current number of registered peer connections.
func (m *Manager) NumConnections() int {
	return m.connectionCount()
}

// Reliability returns peerID's current reliability score, defaulting to 1.0
// for a peer that has never contributed to a failed piece.
func (m *Manager) Reliability(peerID core.PeerID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reliability[peerID]; ok {
		return r
	}
	return 1
}

// Store exposes the underlying piece store, e.g. for an embedder's resume
// checkpoint writer.
func (m *Manager) Store() *piecestore.Store { return m.store }

// Availability exposes the underlying availability index, e.g. for a
// ratio/ETA display in a TUI embedder.
func (m *Manager) Availability() *availability.Index { return m.avail }
