// Package syncengine drives the periodic Compare/BatchMessage/FileWant
// exchanges across every open connection (spec.md §4.6). Grounded on
// ChatLib/chat-arch/src/sync_engine.rs's task model (CompareStateTask,
// BatchRequestTask/MessageTask, FileWantTask) generalized from tokio
// tasks fed through a bounded request queue into goroutines bounded by
// a semaphore and a per-peer in-flight flag.
package syncengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshnode/internal/connmgr"
	"meshnode/internal/crdt"
	"meshnode/internal/filestore"
	"meshnode/internal/meshlog"
	"meshnode/internal/metrics"
	"meshnode/internal/mux"
	"meshnode/internal/storage"
	"meshnode/internal/wire"
)

// Bounds are the resource limits from SPEC_FULL.md §4.6.1, grounded on
// request_queue.rs's queue depth of 10.
type Bounds struct {
	MaxInFlightPerPeer int
	MaxGlobalInFlight  int
	TickInterval       time.Duration
	RequestTimeout     time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		MaxInFlightPerPeer: 1,
		MaxGlobalInFlight:  10,
		TickInterval:       5 * time.Second,
		RequestTimeout:     15 * time.Second,
	}
}

const downloadChunkSize = 64 << 10

// ErrTimeout is returned when a request/response exchange exceeds
// Bounds.RequestTimeout; the stream is RST rather than left to hang
// (spec.md §5 "every request stream carries an overall deadline").
var ErrTimeout = errors.New("syncengine: request timed out")

// SelfDescriptor identifies the local peer for the descriptors this
// engine hands out in BatchMessageResponse (spec.md §4.6 "Server side
// of BatchMessage").
type SelfDescriptor struct {
	PeerID     string
	Name       string
	SigningPub string // hex-encoded
}

// Engine is the per-node sync driver. One Engine is shared by every
// connection; Attach/Detach track which peers are currently reachable.
type Engine struct {
	self      SelfDescriptor
	log       *crdt.Log
	store     storage.Store
	wanted    *filestore.Wanted
	assembler *filestore.Assembler
	metrics   *metrics.Metrics
	bounds    Bounds
	root      string

	mu       sync.Mutex
	conns    map[string]*connmgr.Conn
	inFlight map[string]bool
	globalSem chan struct{}

	fileReadyMu sync.Mutex
	onFileReady func(fileID, ext, path string)
}

func New(self SelfDescriptor, log *crdt.Log, store storage.Store, wanted *filestore.Wanted, m *metrics.Metrics, root string, bounds Bounds, onFileReady func(fileID, ext, path string)) *Engine {
	if wanted == nil {
		wanted = filestore.NewWanted()
	}
	return &Engine{
		self:        self,
		log:         log,
		store:       store,
		wanted:      wanted,
		assembler:   filestore.NewAssembler(),
		metrics:     m,
		bounds:      bounds,
		root:        root,
		conns:       make(map[string]*connmgr.Conn),
		inFlight:    make(map[string]bool),
		globalSem:   make(chan struct{}, bounds.MaxGlobalInFlight),
		onFileReady: onFileReady,
	}
}

// Attach registers a newly-connected peer: it starts the inbound
// stream dispatch loop and makes the peer eligible for the next sync
// tick (spec.md §4.6 "on connection establishment").
func (e *Engine) Attach(ctx context.Context, conn *connmgr.Conn) {
	e.mu.Lock()
	e.conns[conn.PeerID] = conn
	e.mu.Unlock()
	go e.inboundLoop(ctx, conn)
	go e.runCompare(ctx, conn)
}

func (e *Engine) Detach(peerID string) {
	e.mu.Lock()
	delete(e.conns, peerID)
	delete(e.inFlight, peerID)
	e.mu.Unlock()
}

// Run is the periodic ticker (spec.md §4.6 "run periodically"). It
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.bounds.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	conns := make([]*connmgr.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		go e.runCompare(ctx, c)
		go e.runFileWant(ctx, c)
	}
}

// runCompare performs one Compare exchange with conn, backfilling via
// BatchMessage for every peer_id the remote reports having more of.
// At most one exchange runs per peer at once (a boolean in-flight flag;
// Bounds.MaxInFlightPerPeer is not read) and a second attempt is dropped; if
// the global semaphore is saturated the attempt is simply skipped,
// implementing the backpressure rule in spec.md §5.
func (e *Engine) runCompare(ctx context.Context, conn *connmgr.Conn) {
	e.mu.Lock()
	if e.inFlight[conn.PeerID] {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.IncCompareDropped()
		}
		return
	}
	e.inFlight[conn.PeerID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, conn.PeerID)
		e.mu.Unlock()
	}()

	select {
	case e.globalSem <- struct{}{}:
	default:
		if e.metrics != nil {
			e.metrics.IncCompareDropped()
		}
		return
	}
	defer func() { <-e.globalSem }()

	if e.metrics != nil {
		e.metrics.IncCompareSent()
	}

	knownPeers, err := e.store.ListPeers()
	if err != nil {
		meshlog.Warnf("syncengine: ListPeers failed: %v", err)
		return
	}
	peerIDs := make([]string, 0, len(knownPeers))
	for _, p := range knownPeers {
		peerIDs = append(peerIDs, p.PeerID)
	}
	req := e.log.CompareSummary(e.self.PeerID, peerIDs)

	st, err := conn.Session.OpenStream()
	if err != nil {
		meshlog.Warnf("syncengine: OpenStream(compare) failed for %s: %v", conn.PeerID, err)
		return
	}
	defer st.Close()

	if err := wire.WriteEnvelope(st, wire.NewCompareRequest(wire.CompareRequest{Have: req})); err != nil {
		meshlog.Warnf("syncengine: compare request to %s failed: %v", conn.PeerID, err)
		return
	}
	resp, err := e.readEnvelopeWithDeadline(ctx, st)
	if err != nil || resp.CompareResponse == nil {
		meshlog.Warnf("syncengine: compare response from %s failed: %v", conn.PeerID, err)
		return
	}

	// BatchMessage exchanges run sequentially within one peer's stream
	// (each peer_id gets its own goroutine, so cross-peer parallelism
	// falls out naturally) but admission itself always serializes per
	// source peer_id inside crdt.Log regardless of goroutine scheduling.
	for _, peerID := range resp.CompareResponse.PeerIDs {
		go e.runBatch(ctx, conn, peerID)
	}
}

func (e *Engine) runBatch(ctx context.Context, conn *connmgr.Conn, peerID string) {
	if e.metrics != nil {
		e.metrics.IncBatchRequests()
	}
	st, err := conn.Session.OpenStream()
	if err != nil {
		meshlog.Warnf("syncengine: OpenStream(batch) failed for %s: %v", conn.PeerID, err)
		return
	}
	defer st.Close()

	myCounter := e.log.ExpectedCounter(peerID)
	req := wire.NewBatchMessageRequest(wire.BatchMessageRequest{PeerID: peerID, MyCounter: myCounter})
	if err := wire.WriteEnvelope(st, req); err != nil {
		meshlog.Warnf("syncengine: batch request to %s failed: %v", conn.PeerID, err)
		return
	}
	resp, err := e.readEnvelopeWithDeadline(ctx, st)
	if err != nil || resp.BatchMessageResponse == nil {
		meshlog.Warnf("syncengine: batch response from %s failed: %v", conn.PeerID, err)
		return
	}

	if resp.BatchMessageResponse.Peer != nil {
		pd := resp.BatchMessageResponse.Peer
		existing, _, _ := e.store.GetPeer(pd.PeerID)
		existing.PeerID = pd.PeerID
		existing.Name = pd.Name
		existing.SigningPub = pd.SigningPub
		existing.Online = true
		_ = e.store.PutPeer(existing)
	}

	for _, m := range resp.BatchMessageResponse.Messages {
		switch err := e.log.Receive(m); {
		case err == nil:
			if e.metrics != nil {
				e.metrics.IncMessagesAdmitted()
			}
			e.scanPayloadForWant(m)
		case errors.Is(err, crdt.ErrGap):
			if e.metrics != nil {
				e.metrics.IncMessagesGapped()
			}
		case errors.Is(err, crdt.ErrDuplicate):
			// already have it, nothing to do
		default:
			meshlog.Warnf("syncengine: admit failed for %s/%d: %v", m.PeerID, m.Counter, err)
		}
	}
}

// scanPayloadForWant registers a newly-admitted message's referenced
// file_id as wanted if it is not already resolved locally (spec.md
// §4.5 "File resolution").
func (e *Engine) scanPayloadForWant(m wire.Message) {
	p, err := wire.DecodePayload(m.Payload)
	if err != nil || p.FileID == "" {
		return
	}
	if _, ok, _ := e.store.GetFilePath(p.FileID); ok {
		return
	}
	e.wanted.Add(p.FileID)
}

// runFileWant negotiates which wanted files conn's peer actually has,
// then triggers downloads for the intersection.
func (e *Engine) runFileWant(ctx context.Context, conn *connmgr.Conn) {
	ids := e.wanted.List()
	if len(ids) == 0 {
		return
	}
	st, err := conn.Session.OpenStream()
	if err != nil {
		return
	}
	defer st.Close()

	if err := wire.WriteEnvelope(st, wire.NewFileWantRequest(wire.FileWantRequest{FileIDs: ids})); err != nil {
		return
	}
	resp, err := e.readEnvelopeWithDeadline(ctx, st)
	if err != nil || resp.FileWantResponse == nil {
		return
	}
	for _, id := range resp.FileWantResponse.FileIDs {
		go e.ResolveFile(ctx, id, conn.PeerID)
	}
}

// ResolveFile requests file_id from peerID (or, if peerID is empty,
// every attached peer in turn until one succeeds), per spec.md §4.5
// and the engine's resolve_file operation.
func (e *Engine) ResolveFile(ctx context.Context, fileID, peerID string) error {
	if e.metrics != nil {
		e.metrics.IncFilesRequested()
	}
	if _, ok, _ := e.store.GetFilePath(fileID); ok {
		return nil
	}

	var candidates []*connmgr.Conn
	e.mu.Lock()
	if peerID != "" {
		if c, ok := e.conns[peerID]; ok {
			candidates = append(candidates, c)
		}
	} else {
		for _, c := range e.conns {
			candidates = append(candidates, c)
		}
	}
	e.mu.Unlock()

	var lastErr error
	for _, conn := range candidates {
		if err := e.downloadFrom(ctx, conn, fileID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("syncengine: no connected peer could serve file")
	}
	return lastErr
}

func (e *Engine) downloadFrom(ctx context.Context, conn *connmgr.Conn, fileID string) error {
	st, err := conn.Session.OpenStream()
	if err != nil {
		return err
	}
	defer st.Close()

	req := wire.NewFileDownloadRequest(wire.FileDownloadRequest{FileID: fileID, PeerID: conn.PeerID})
	if err := wire.WriteEnvelope(st, req); err != nil {
		return err
	}

	for {
		resp, err := e.readEnvelopeWithDeadline(ctx, st)
		if err != nil {
			return err
		}
		if resp.FileDownloadResponse == nil {
			return errors.New("syncengine: unexpected response to file download request")
		}
		data, done := e.assembler.Append(fileID, resp.FileDownloadResponse.Chunk, resp.FileDownloadResponse.Ext, resp.FileDownloadResponse.LastChunk)
		if e.metrics != nil {
			e.metrics.AddChunkRecv(len(resp.FileDownloadResponse.Chunk))
		}
		if !done {
			continue
		}
		ext := e.assembler.Ext(fileID)
		if ext == "" {
			ext = resp.FileDownloadResponse.Ext
		}
		path := filepath.Join(e.root, "files", fileID+"."+ext)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return err
		}
		if err := e.store.PutFilePath(fileID, ext, path); err != nil {
			return err
		}
		e.wanted.Resolve(fileID)
		if e.metrics != nil {
			e.metrics.IncFilesResolved()
		}
		if e.onFileReady != nil {
			e.onFileReady(fileID, ext, path)
		}
		return nil
	}
}

// inboundLoop accepts streams opened by conn's peer and dispatches
// each to the appropriate request handler (spec.md §4.6 server side).
func (e *Engine) inboundLoop(ctx context.Context, conn *connmgr.Conn) {
	for {
		st, err := conn.Session.AcceptStream()
		if err != nil {
			return
		}
		go e.handleStream(conn, st)
	}
}

func (e *Engine) handleStream(conn *connmgr.Conn, st *mux.Stream) {
	defer st.Close()
	env, err := wire.ReadEnvelope(st)
	if err != nil {
		return
	}

	switch env.Type {
	case wire.TypeCompareRequest:
		e.handleCompareRequest(st, env.CompareRequest)
	case wire.TypeBatchMessageRequest:
		e.handleBatchMessageRequest(st, env.BatchMessageRequest)
	case wire.TypeFileWantRequest:
		e.handleFileWantRequest(st, env.FileWantRequest)
	case wire.TypeFileDownloadRequest:
		e.handleFileDownloadRequest(st, env.FileDownloadRequest)
	default:
		meshlog.Warnf("syncengine: unexpected request type %q from %s", env.Type, conn.PeerID)
	}
}

func (e *Engine) handleCompareRequest(st *mux.Stream, req *wire.CompareRequest) {
	if req == nil {
		return
	}
	var more []string
	for _, pc := range req.Have {
		if e.log.HasMore(pc.PeerID, pc.Counter) {
			more = append(more, pc.PeerID)
		}
	}
	_ = wire.WriteEnvelope(st, wire.NewCompareResponse(wire.CompareResponse{PeerIDs: more}))
}

func (e *Engine) handleBatchMessageRequest(st *mux.Stream, req *wire.BatchMessageRequest) {
	if req == nil {
		return
	}
	msgs, err := e.log.Batch(req.PeerID, req.MyCounter)
	if err != nil {
		meshlog.Warnf("syncengine: Batch(%s) failed: %v", req.PeerID, err)
		return
	}
	resp := wire.BatchMessageResponse{Messages: msgs}
	if desc, ok, _ := e.store.GetPeer(req.PeerID); ok {
		resp.Peer = &wire.PeerDescriptor{PeerID: desc.PeerID, Name: desc.Name, SigningPub: desc.SigningPub}
	}
	_ = wire.WriteEnvelope(st, wire.NewBatchMessageResponse(resp))
}

func (e *Engine) handleFileWantRequest(st *mux.Stream, req *wire.FileWantRequest) {
	if req == nil {
		return
	}
	var have []string
	for _, id := range req.FileIDs {
		if _, ok, _ := e.store.GetFilePath(id); ok {
			have = append(have, id)
		}
	}
	_ = wire.WriteEnvelope(st, wire.NewFileWantResponse(wire.FileWantResponse{FileIDs: have}))
}

func (e *Engine) handleFileDownloadRequest(st *mux.Stream, req *wire.FileDownloadRequest) {
	if req == nil {
		return
	}
	rec, ok, err := e.store.GetFilePath(req.FileID)
	if err != nil || !ok {
		return
	}
	data, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		meshlog.Warnf("syncengine: read local file %s failed: %v", rec.LocalPath, err)
		return
	}
	for off := 0; off < len(data) || len(data) == 0; off += downloadChunkSize {
		end := off + downloadChunkSize
		if end > len(data) {
			end = len(data)
		}
		last := end >= len(data)
		resp := wire.NewFileDownloadResponse(wire.FileDownloadResponse{
			Chunk:     data[off:end],
			LastChunk: last,
			Ext:       rec.Ext,
		})
		if err := wire.WriteEnvelope(st, resp); err != nil {
			return
		}
		if last {
			return
		}
	}
}

// readEnvelopeWithDeadline reads one envelope from st, bounding the
// wait to Bounds.RequestTimeout (or ctx, whichever fires first). On
// expiry it RSTs the stream and returns ErrTimeout rather than leaving
// a stalled peer's goroutine blocked forever (spec.md §5).
func (e *Engine) readEnvelopeWithDeadline(ctx context.Context, st *mux.Stream) (wire.Envelope, error) {
	type result struct {
		env wire.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := wire.ReadEnvelope(st)
		done <- result{env, err}
	}()

	timeout := e.bounds.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultBounds().RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.env, r.err
	case <-timer.C:
		_ = st.Reset()
		return wire.Envelope{}, ErrTimeout
	case <-ctx.Done():
		_ = st.Reset()
		return wire.Envelope{}, ctx.Err()
	}
}
