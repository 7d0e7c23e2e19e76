// Package filestore tracks files the engine wants but does not yet
// have locally (spec.md §4.5 "File resolution"): messages may
// reference a file_id before the bytes are reachable, and the set of
// outstanding wants drives the sync engine's FileWant/FileDownload
// exchanges.
package filestore

import "sync"

// Wanted is the engine's set of file_ids not yet resolved locally.
// Safe for concurrent use; a single engine instance owns one.
type Wanted struct {
	mu   sync.Mutex
	set  map[string]struct{}
}

func NewWanted() *Wanted {
	return &Wanted{set: make(map[string]struct{})}
}

// Add registers fileID as wanted if it is not already known locally.
// Callers should check storage.Store.GetFilePath first; Add does not
// consult storage itself to keep this package free of the storage
// dependency.
func (w *Wanted) Add(fileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.set[fileID] = struct{}{}
}

// Resolve removes fileID from the wanted set once its bytes are local.
func (w *Wanted) Resolve(fileID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.set, fileID)
}

func (w *Wanted) Want(fileID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.set[fileID]
	return ok
}

// List returns a snapshot of currently wanted file_ids, used to build
// FileWantRequest messages.
func (w *Wanted) List() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.set))
	for id := range w.set {
		out = append(out, id)
	}
	return out
}

// Assembler accumulates FileDownloadResponse chunks for one in-flight
// download until last_chunk arrives.
type Assembler struct {
	mu     sync.Mutex
	chunks map[string][][]byte
	ext    map[string]string
}

func NewAssembler() *Assembler {
	return &Assembler{chunks: make(map[string][][]byte), ext: make(map[string]string)}
}

// Append records one FileDownloadResponse chunk and reports the
// assembled bytes once last=true closes the transfer.
func (a *Assembler) Append(fileID string, chunk []byte, ext string, last bool) (data []byte, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[fileID] = append(a.chunks[fileID], chunk)
	if ext != "" {
		a.ext[fileID] = ext
	}
	if !last {
		return nil, false
	}
	parts := a.chunks[fileID]
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	delete(a.chunks, fileID)
	delete(a.ext, fileID)
	return out, true
}

// Ext returns the extension recorded so far for an in-flight transfer.
func (a *Assembler) Ext(fileID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ext[fileID]
}
