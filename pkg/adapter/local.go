package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
	"github.com/Mindburn-Labs/substrate/pkg/registry"
)

// Target is a running processor reachable over HTTP.
type Target struct {
	BaseURL string
	Stop    func(context.Context) error
}

// Launcher starts (or locates) the container for a pinned digest. Image
// pull failures are reported as ERR_IMAGE_PULL.
type Launcher interface {
	Launch(ctx context.Context, spec registry.ProcessorSpec, digest string) (*Target, error)
}

// StaticLauncher points every processor at one already-running endpoint.
type StaticLauncher struct {
	BaseURL string
}

func (s StaticLauncher) Launch(context.Context, registry.ProcessorSpec, string) (*Target, error) {
	if s.BaseURL == "" {
		return nil, errors.New("static launcher has no endpoint")
	}
	return &Target{BaseURL: strings.TrimRight(s.BaseURL, "/")}, nil
}

// Local runs processors as local containers and speaks the frame protocol
// over a WebSocket at <base>/ws.
type Local struct {
	core
	launcher Launcher
	dialer   *websocket.Dialer
}

func NewLocal(launcher Launcher, opts ...Option) *Local {
	return &Local{
		core:     newCore("local", opts),
		launcher: launcher,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (l *Local) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	secrets, early, err := l.prepare(inv)
	if err != nil || early != nil {
		return early, err
	}

	target, err := l.launcher.Launch(ctx, inv.Processor, inv.PinnedDigest)
	if err != nil {
		if ctx.Err() != nil {
			return l.failed(inv, errorir.New(errorir.CodeCancelled, "invocation cancelled"), start), nil
		}
		if errorir.HasCode(err, errorir.CodeImagePull) {
			return l.failed(inv, err, start), nil
		}
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "launch processor")
	}
	if target.Stop != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := target.Stop(stopCtx); err != nil {
				l.logger.Warn("processor stop failed", "execution_id", inv.ExecutionID, "error", err)
			}
		}()
	}

	if err := waitHealthy(ctx, l.http, target.BaseURL+"/healthz", inv.ExecutionID, l.health); err != nil {
		if ctx.Err() != nil {
			return l.failed(inv, errorir.New(errorir.CodeCancelled, "invocation cancelled"), start), nil
		}
		return nil, err
	}

	wsURL := "ws" + strings.TrimPrefix(target.BaseURL, "http") + "/ws"
	ws, resp, err := l.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return l.failed(inv, errorir.New(errorir.CodeCancelled, "invocation cancelled"), start), nil
		}
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, fmt.Sprintf("dial %s", wsURL))
	}
	return l.exchange(ctx, &wsConn{ws: ws}, inv, secrets, start)
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteJSON(f)
}

func (c *wsConn) recv() (Frame, error) {
	var f Frame
	err := c.ws.ReadJSON(&f)
	return f, err
}

func (c *wsConn) close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
