package cannon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/mux"

	state "github.com/monadicus/snops-core/internal/store"
)

// Source produces items for the authorize stage (spec.md §4.5
// "Sources"). Next returns ok=false once the source is exhausted (never,
// for realtime/listen sources that run until the cannon is stopped).
type Source interface {
	Next(ctx context.Context) (Item, bool, error)
	Close() error
}

// playbackRecord is one line of a playback(file) source.
type playbackRecord struct {
	Program string   `json:"program"`
	Fn      string   `json:"fn"`
	Inputs  []string `json:"inputs"`
	KeyRef  string   `json:"key_ref"`
}

// PlaybackSource replays prerecorded transaction bodies from a
// JSON-lines file in order (spec.md §4.5 "playback(file)").
type PlaybackSource struct {
	f       *os.File
	scanner *bufio.Scanner
	seq     uint64
}

// OpenPlaybackSource opens path for sequential JSON-lines playback.
func OpenPlaybackSource(path string) (*PlaybackSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannon: open playback file: %w", err)
	}
	return &PlaybackSource{f: f, scanner: bufio.NewScanner(f)}, nil
}

func (p *PlaybackSource) Next(ctx context.Context) (Item, bool, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return Item{}, false, err
		}
		return Item{}, false, nil
	}
	var rec playbackRecord
	if err := json.Unmarshal(p.scanner.Bytes(), &rec); err != nil {
		return Item{}, false, fmt.Errorf("cannon: decode playback line: %w", err)
	}
	p.seq++
	return Item{
		Seq:     p.seq,
		Program: rec.Program,
		Fn:      rec.Fn,
		Inputs:  rec.Inputs,
		KeyRef:  rec.KeyRef,
	}, true, nil
}

func (p *PlaybackSource) Close() error { return p.f.Close() }

// RealtimeSource generates fresh authorizations by round-robining across
// a fixed set of (tx_mode, key, addr) tuples (spec.md §4.5
// "realtime(tx_modes, keys, addrs)"). It never reports exhaustion; the
// cannon's Count (0 = unbounded) or an explicit Stop ends it.
type RealtimeSource struct {
	modes []string
	keys  []string
	addrs []string

	mu  sync.Mutex
	idx uint64
}

// NewRealtimeSource builds a generator over modes/keys/addrs. modes and
// keys must be non-empty; addrs may be empty, in which case items carry no
// inputs (the shorter lists wrap around the longest).
func NewRealtimeSource(modes, keys, addrs []string) (*RealtimeSource, error) {
	if len(modes) == 0 || len(keys) == 0 {
		return nil, fmt.Errorf("cannon: realtime source needs at least one tx_mode and one key")
	}
	return &RealtimeSource{modes: modes, keys: keys, addrs: addrs}, nil
}

func (r *RealtimeSource) Next(ctx context.Context) (Item, bool, error) {
	r.mu.Lock()
	i := r.idx
	r.idx++
	r.mu.Unlock()

	mode := r.modes[i%uint64(len(r.modes))]
	key := r.keys[i%uint64(len(r.keys))]
	var inputs []string
	if len(r.addrs) > 0 {
		inputs = []string{r.addrs[i%uint64(len(r.addrs))]}
	}
	return Item{
		Seq:     i + 1,
		Program: "credits.aleo",
		Fn:      mode,
		Inputs:  inputs,
		KeyRef:  key,
	}, true, nil
}

func (r *RealtimeSource) Close() error { return nil }

// ListenSource runs an HTTP endpoint accepting POSTed pre-authorized
// items and feeds them to the authorize stage (spec.md §4.5
// "listen(endpoint)"). Posted bodies are JSON-encoded AuthBytes plus a
// query endpoint, so they enter already authorized.
type ListenSource struct {
	srv *http.Server
	ch  chan Item
	seq uint64
	mu  sync.Mutex
}

type listenBody struct {
	AuthBytes     []byte `json:"auth_bytes"`
	QueryEndpoint string `json:"query_endpoint"`
}

// NewListenSource starts an HTTP server bound to addr with a single
// ingest route.
func NewListenSource(addr string) *ListenSource {
	ls := &ListenSource{ch: make(chan Item, 1024)}
	r := mux.NewRouter()
	r.HandleFunc("/authorizations", ls.handleIngest).Methods(http.MethodPost)
	ls.srv = &http.Server{Addr: addr, Handler: r}
	go ls.srv.ListenAndServe()
	return ls
}

func (ls *ListenSource) handleIngest(w http.ResponseWriter, req *http.Request) {
	var body listenBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ls.mu.Lock()
	ls.seq++
	seq := ls.seq
	ls.mu.Unlock()

	item := Item{Seq: seq, AuthBytes: body.AuthBytes, QueryEndpoint: body.QueryEndpoint}
	select {
	case ls.ch <- item:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}

func (ls *ListenSource) Next(ctx context.Context) (Item, bool, error) {
	select {
	case item, ok := <-ls.ch:
		return item, ok, nil
	case <-ctx.Done():
		return Item{}, false, ctx.Err()
	}
}

func (ls *ListenSource) Close() error {
	return ls.srv.Close()
}

// NewSource constructs the configured Source for spec.
func NewSource(spec state.CannonSpec) (Source, error) {
	switch spec.SourceKind {
	case state.SourcePlayback:
		return OpenPlaybackSource(spec.PlaybackFile)
	case state.SourceRealtime:
		return NewRealtimeSource(spec.RealtimeTxModes, spec.RealtimeKeys, spec.RealtimeAddrs)
	case state.SourceListen:
		return NewListenSource(spec.ListenEndpoint), nil
	default:
		return nil, fmt.Errorf("cannon: unknown source kind %q", spec.SourceKind)
	}
}
