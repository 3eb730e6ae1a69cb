// Package adaptertest provides a fake processor that serves the adapter
// protocol over both transports from one httptest server.
package adaptertest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/substrate/pkg/adapter"
	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/world"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// Digest is the image digest the fake reports unless overridden.
const Digest = "sha256:" + "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12"

// Script shapes one invocation. The zero value produces the default
// success envelope.
type Script struct {
	Logs      []string
	Events    []map[string]any
	Partials  int
	CostMicro int64
	// Hang blocks after the partials until a cancel frame arrives.
	Hang bool
	// Envelope replaces the computed envelope.
	Envelope *contracts.Envelope
	// RawEnvelope is sent verbatim and wins over Envelope.
	RawEnvelope json.RawMessage
	// ReportDigest overrides meta.image_digest.
	ReportDigest string
	// Outputs replaces the computed output file names (relative to the
	// first declared prefix).
	Outputs []string
}

// Processor is a fake processor. Zero fields take defaults.
type Processor struct {
	Digest     string
	World      world.Storage
	SigningKey []byte
	Script     func(req adapter.Frame) Script

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	cancels  map[string]chan struct{}
	requests []adapter.Frame
	healthy  time.Time
}

// Start serves p and returns it. Close with p.Close.
func Start(p *Processor) *Processor {
	if p.Digest == "" {
		p.Digest = Digest
	}
	p.cancels = make(map[string]chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.handleHealth)
	mux.HandleFunc("/ws", p.handleWS)
	mux.HandleFunc("/invoke", p.handleInvoke)
	mux.HandleFunc("/cancel", p.handleCancel)
	p.server = httptest.NewServer(mux)
	return p
}

// URL is the base URL of the server.
func (p *Processor) URL() string { return p.server.URL }

func (p *Processor) Close() { p.server.Close() }

// HealthyAfter makes /healthz answer 503 until t.
func (p *Processor) HealthyAfter(t time.Time) {
	p.mu.Lock()
	p.healthy = t
	p.mu.Unlock()
}

// Requests returns the Request frames received so far.
func (p *Processor) Requests() []adapter.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]adapter.Frame(nil), p.requests...)
}

func (p *Processor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	ready := time.Now().After(p.healthy)
	p.mu.Unlock()
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Processor) cancelChan(execID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.cancels[execID]
	if !ok {
		ch = make(chan struct{})
		p.cancels[execID] = ch
	}
	return ch
}

func (p *Processor) cancel(execID string) {
	ch := p.cancelChan(execID)
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (p *Processor) record(f adapter.Frame) {
	p.mu.Lock()
	p.requests = append(p.requests, f)
	p.mu.Unlock()
}

func (p *Processor) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.Close() }()

	var req adapter.Frame
	if err := ws.ReadJSON(&req); err != nil {
		return
	}
	p.record(req)
	cancelled := p.cancelChan(req.Control.ExecutionID)
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			var f adapter.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Control.Cancel {
				p.cancel(f.Control.ExecutionID)
			}
		}
	}()
	var wmu sync.Mutex
	p.run(ctx, req, cancelled, func(f adapter.Frame) error {
		wmu.Lock()
		defer wmu.Unlock()
		return ws.WriteJSON(f)
	})
}

func (p *Processor) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req adapter.Frame
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.record(req)
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	p.run(r.Context(), req, p.cancelChan(req.Control.ExecutionID), func(f adapter.Frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
}

func (p *Processor) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var f adapter.Frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.cancel(f.Control.ExecutionID)
	w.WriteHeader(http.StatusAccepted)
}

func (p *Processor) authorized(r *http.Request) bool {
	if len(p.SigningKey) == 0 {
		return true
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	claims := &adapter.InvocationClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return p.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && tok.Valid
}

// run plays the script for req through emit.
func (p *Processor) run(ctx context.Context, req adapter.Frame, cancelled <-chan struct{}, emit func(adapter.Frame) error) {
	start := time.Now()
	var sc Script
	if p.Script != nil {
		sc = p.Script(req)
	}
	ctl := adapter.Control{ExecutionID: req.Control.ExecutionID, Mode: req.Control.Mode}

	for _, msg := range sc.Logs {
		if emit(adapter.Frame{Kind: adapter.KindLog, Control: ctl, Level: "info", Message: msg}) != nil {
			return
		}
	}
	for _, ev := range sc.Events {
		raw, _ := json.Marshal(ev)
		if emit(adapter.Frame{Kind: adapter.KindEvent, Control: ctl, Event: raw}) != nil {
			return
		}
	}
	for i := 0; i < sc.Partials; i++ {
		if emit(adapter.Frame{Kind: adapter.KindResponse, Control: ctl}) != nil {
			return
		}
	}

	final := ctl
	final.Final = true
	if sc.Hang {
		select {
		case <-cancelled:
			env := contracts.Failure(req.Control.ExecutionID, errorir.CodeCancelled, "cancelled by caller",
				contracts.Meta{EnvFingerprint: fingerprint(req)})
			raw, _ := json.Marshal(env)
			final.Status = contracts.StatusError
			_ = emit(adapter.Frame{Kind: adapter.KindResponse, Control: final, Envelope: raw})
		case <-ctx.Done():
		}
		return
	}

	raw := sc.RawEnvelope
	if raw == nil {
		env := sc.Envelope
		if env == nil {
			var err error
			env, err = p.defaultEnvelope(ctx, req, sc, start)
			if err != nil {
				env = contracts.Failure(req.Control.ExecutionID, errorir.CodeProcessor, err.Error(),
					contracts.Meta{EnvFingerprint: fingerprint(req)})
			}
		}
		final.Status = env.Status
		raw, _ = json.Marshal(env)
	}
	final.CostMicro = sc.CostMicro
	_ = emit(adapter.Frame{Kind: adapter.KindResponse, Control: final, Envelope: raw})
}

func fingerprint(req adapter.Frame) string {
	return adapter.EnvFingerprint(map[string]string{"mode": string(req.Control.Mode), "processor": req.Processor})
}

// defaultEnvelope writes result.json and _index.json under the first
// declared prefix and reports them.
func (p *Processor) defaultEnvelope(ctx context.Context, req adapter.Frame, sc Script, start time.Time) (*contracts.Envelope, error) {
	prefix := ""
	for _, s := range req.Outputs {
		if s.Kind == worldpath.SelectorPrefix {
			prefix = s.Path
			break
		}
	}
	if prefix == "" {
		return nil, errorir.New(errorir.CodeInputs, "no prefix write declared")
	}
	body, err := canonicalize.JCS(map[string]any{"inputs": req.Inputs, "mode": req.Control.Mode})
	if err != nil {
		return nil, err
	}
	names := sc.Outputs
	if names == nil {
		names = []string{"result.json"}
	}
	var outputs []contracts.Output
	for _, n := range names {
		o, err := p.put(ctx, prefix+n, body)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	index, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	indexPath := prefix + contracts.IndexFilename
	idx, err := p.put(ctx, indexPath, index)
	if err != nil {
		return nil, err
	}
	outputs = append(outputs, idx)
	sort.SliceStable(outputs, func(i, j int) bool { return outputs[i].Path < outputs[j].Path })

	digest := p.Digest
	if sc.ReportDigest != "" {
		digest = sc.ReportDigest
	}
	return contracts.Success(req.Control.ExecutionID, outputs, indexPath, contracts.Meta{
		ImageDigest:    digest,
		EnvFingerprint: fingerprint(req),
		DurationMs:     time.Since(start).Milliseconds() + 1,
	}), nil
}

func (p *Processor) put(ctx context.Context, path string, data []byte) (contracts.Output, error) {
	cid := world.ComputeCID(data)
	if p.World != nil {
		var err error
		if cid, err = p.World.PutBytes(ctx, path, data); err != nil {
			return contracts.Output{}, err
		}
	}
	return contracts.Output{Path: path, CID: cid, SizeBytes: int64(len(data)), Mime: "application/json"}, nil
}
