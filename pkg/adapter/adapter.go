// Package adapter executes admitted transitions against pinned processor
// images. Local and Remote implement one Invoke contract and are
// indistinguishable to callers apart from Result.Transport.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// Payload is what the processor receives. Mode is always explicit.
type Payload struct {
	Mode    contracts.Mode
	Inputs  map[string]any
	Outputs []worldpath.Selector
}

// Invocation is one call of a processor.
type Invocation struct {
	Processor    registry.ProcessorSpec
	Payload      Payload
	Timeout      time.Duration
	PinnedDigest string
	ExecutionID  string
}

// Result is the validated outcome of an invocation.
type Result struct {
	Envelope  *contracts.Envelope
	CostMicro int64
	Logs      []LogLine
	Events    []json.RawMessage
	Partials  int
	Transport string
	Duration  time.Duration
}

// Adapter is implemented by Local and Remote only.
//
// Contractual failures (bad inputs, missing secret, timeout, cancellation,
// image pull, processor errors) come back as a Result holding an error
// Envelope. Failures that prevent an Envelope from being established are
// returned as *errorir.Error: ERR_ADAPTER_INVOCATION, ERR_REGISTRY_MISMATCH,
// ERR_IMAGE_UNPINNED and ERR_CI_SAFETY.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
	transport() string
}

// Set picks the adapter for a processor's transport.
type Set struct {
	Local  Adapter
	Remote Adapter
}

func (s Set) For(t registry.Transport) (Adapter, error) {
	var a Adapter
	switch t {
	case registry.TransportLocal, "":
		a = s.Local
	case registry.TransportRemote:
		a = s.Remote
	}
	if a == nil {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "no adapter configured for transport %q", t)
	}
	return a, nil
}

// Option configures Local and Remote.
type Option func(*core)

// WithHermetic forbids mode=real.
func WithHermetic(h bool) Option { return func(c *core) { c.hermetic = h } }

func WithSecrets(src SecretSource) Option { return func(c *core) { c.secrets = src } }

func WithHealthPolicy(p BackoffPolicy) Option { return func(c *core) { c.health = p } }

func WithHTTPClient(hc *http.Client) Option { return func(c *core) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *core) { c.logger = l } }

// WithCancelGrace bounds how long a cancelled invocation waits for the
// processor to acknowledge before a synthetic envelope is returned.
func WithCancelGrace(d time.Duration) Option { return func(c *core) { c.cancelGrace = d } }

// core holds everything both transports share.
type core struct {
	name        string
	hermetic    bool
	secrets     SecretSource
	health      BackoffPolicy
	http        *http.Client
	logger      *slog.Logger
	cancelGrace time.Duration
}

func newCore(name string, opts []Option) core {
	c := core{
		name:        name,
		health:      DefaultHealthPolicy,
		http:        &http.Client{},
		cancelGrace: 2 * time.Second,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "adapter", "transport", name)
	}
	return c
}

func (c *core) transport() string { return c.name }

var digestRE = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// prepare checks the invocation and resolves its secrets. A non-nil Result
// means the call ends there with a contractual failure.
func (c *core) prepare(inv Invocation) (map[string]string, *Result, error) {
	if inv.ExecutionID == "" {
		return nil, nil, errorir.New(errorir.CodeAdapterInvocation, "execution id is required")
	}
	mode, err := contracts.ParseMode(string(inv.Payload.Mode))
	if err != nil {
		return nil, nil, err
	}
	if c.hermetic && mode == contracts.ModeReal {
		return nil, nil, errorir.New(errorir.CodeCISafety, "mode=real requested for %s in a hermetic context", inv.Processor.Ref)
	}
	if !digestRE.MatchString(inv.PinnedDigest) {
		return nil, nil, errorir.New(errorir.CodeImageUnpinned, "%s has no pinned digest", inv.Processor.Ref)
	}
	if mode != contracts.ModeReal {
		return nil, nil, nil
	}
	secrets, err := ResolveSecrets(c.secrets, inv.Processor.Secrets)
	if err != nil {
		return nil, c.failed(inv, err, time.Now()), nil
	}
	return secrets, nil, nil
}

// failed turns a contractual error into a Result with an error envelope.
func (c *core) failed(inv Invocation, err error, start time.Time) *Result {
	env := contracts.FailureFrom(inv.ExecutionID, err, contracts.Meta{
		ImageDigest:    inv.PinnedDigest,
		EnvFingerprint: c.fingerprint(inv),
	})
	return &Result{Envelope: env, Transport: c.name, Duration: time.Since(start)}
}

// fingerprint describes the environment an envelope was synthesized in.
func (c *core) fingerprint(inv Invocation) string {
	return EnvFingerprint(map[string]string{
		"mode":      string(inv.Payload.Mode),
		"processor": inv.Processor.Ref,
	})
}

// EnvFingerprint renders kv as "k=v;k=v" with sorted keys.
func EnvFingerprint(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + kv[k]
	}
	return strings.Join(parts, ";")
}

// conn is one established frame stream to a processor.
type conn interface {
	send(ctx context.Context, f Frame) error
	recv() (Frame, error)
	close() error
}

type pumped struct {
	frame Frame
	err   error
}

func requestFrame(inv Invocation, secrets map[string]string) Frame {
	return Frame{
		Kind:      KindRequest,
		Control:   Control{ExecutionID: inv.ExecutionID, Mode: inv.Payload.Mode},
		Processor: inv.Processor.Ref,
		Inputs:    inv.Payload.Inputs,
		Outputs:   inv.Payload.Outputs,
		Secrets:   secrets,
	}
}

// exchange sends the request and pumps frames until the final Response,
// the timeout, or cancellation of parent.
func (c *core) exchange(parent context.Context, cn conn, inv Invocation, secrets map[string]string, start time.Time) (*Result, error) {
	ctx := parent
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, inv.Timeout)
		defer cancel()
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = cn.close()
	}()

	if err := cn.send(ctx, requestFrame(inv, secrets)); err != nil {
		if ctx.Err() != nil {
			return c.interrupted(parent, cn, inv, nil, start), nil
		}
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "send request")
	}

	frames := make(chan pumped, 16)
	go func() {
		defer close(frames)
		for {
			f, err := cn.recv()
			select {
			case frames <- pumped{f, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	res := &Result{Transport: c.name}
	for {
		select {
		case <-ctx.Done():
			return c.interrupted(parent, cn, inv, frames, start), nil
		case p, ok := <-frames:
			if !ok {
				return nil, errorir.New(errorir.CodeAdapterInvocation, "stream closed before final response")
			}
			if p.err != nil {
				if ctx.Err() != nil {
					return c.interrupted(parent, cn, inv, nil, start), nil
				}
				return nil, errorir.Wrap(errorir.CodeAdapterInvocation, p.err, "stream closed before final response")
			}
			f := p.frame
			switch f.Kind {
			case KindLog:
				res.Logs = append(res.Logs, LogLine{Level: f.Level, Message: Redact(f.Message, secrets)})
			case KindEvent:
				res.Events = append(res.Events, f.Event)
			case KindResponse:
				if !f.Control.Final {
					res.Partials++
					continue
				}
				if err := c.finish(res, f, inv, secrets); err != nil {
					return nil, err
				}
				res.Duration = time.Since(start)
				c.logger.DebugContext(parent, "invocation finished",
					"execution_id", inv.ExecutionID, "status", res.Envelope.Status, "partials", res.Partials)
				return res, nil
			default:
				return nil, errorir.New(errorir.CodeAdapterInvocation, "unexpected %q frame", f.Kind)
			}
		}
	}
}

// finish validates the terminal Response.
func (c *core) finish(res *Result, f Frame, inv Invocation, secrets map[string]string) error {
	if f.Control.ExecutionID != inv.ExecutionID {
		return errorir.New(errorir.CodeAdapterInvocation, "response for execution %q, want %q", f.Control.ExecutionID, inv.ExecutionID)
	}
	env, err := contracts.ParseEnvelope(f.Envelope)
	if err != nil {
		return err
	}
	if env.ExecutionID != inv.ExecutionID {
		return errorir.New(errorir.CodeAdapterInvocation, "envelope for execution %q, want %q", env.ExecutionID, inv.ExecutionID)
	}
	if f.Control.Status != "" && f.Control.Status != env.Status {
		return errorir.New(errorir.CodeAdapterInvocation, "control status %q disagrees with envelope %q", f.Control.Status, env.Status)
	}
	if f.Control.CostMicro < 0 {
		return errorir.New(errorir.CodeAdapterInvocation, "negative cost %d", f.Control.CostMicro)
	}
	if env.Meta.ImageDigest != "" && env.Meta.ImageDigest != inv.PinnedDigest {
		return errorir.New(errorir.CodeRegistryMismatch, "%s ran %s, pinned %s",
			inv.Processor.Ref, env.Meta.ImageDigest, inv.PinnedDigest)
	}
	if env.Error != nil {
		env.Error.Message = Redact(env.Error.Message, secrets)
		if !errorir.Known(env.Error.Code) {
			c.logger.Warn("processor returned unknown error code", "execution_id", inv.ExecutionID, "code", env.Error.Code)
		}
	}
	res.Envelope = env
	res.CostMicro = f.Control.CostMicro
	return nil
}

// interrupted signals cancel to the processor and returns the terminal
// error envelope: ERR_CANCELLED if parent was cancelled, else ERR_TIMEOUT.
// If frames is non-nil it waits up to cancelGrace for the processor's own
// final Response, keeping the synthesized code either way.
func (c *core) interrupted(parent context.Context, cn conn, inv Invocation, frames <-chan pumped, start time.Time) *Result {
	code, msg := errorir.CodeTimeout, fmt.Sprintf("invocation exceeded %s", inv.Timeout)
	if parent.Err() != nil {
		code, msg = errorir.CodeCancelled, "invocation cancelled"
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cancelGrace)
	defer cancel()
	cancelFrame := Frame{Kind: KindRequest, Control: Control{ExecutionID: inv.ExecutionID, Mode: inv.Payload.Mode, Cancel: true}}
	if err := cn.send(sendCtx, cancelFrame); err != nil {
		c.logger.Debug("cancel frame not delivered", "execution_id", inv.ExecutionID, "error", err)
	} else if frames != nil {
	wait:
		for {
			select {
			case <-sendCtx.Done():
				break wait
			case p, ok := <-frames:
				if !ok || p.err != nil || (p.frame.Kind == KindResponse && p.frame.Control.Final) {
					break wait
				}
			}
		}
	}
	c.logger.Warn("invocation interrupted", "execution_id", inv.ExecutionID, "code", code)
	return c.failed(inv, errorir.New(code, "%s", msg), start)
}
