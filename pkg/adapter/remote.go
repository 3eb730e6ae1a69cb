package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

// InvocationClaims are carried by the bearer token sent to remote
// functions.
type InvocationClaims struct {
	jwt.RegisteredClaims
	Mode   contracts.Mode `json:"mode"`
	Digest string         `json:"digest"`
}

// Remote calls a function endpoint: POST <endpoint>/invoke with the Request
// frame, answered by an NDJSON stream of frames. Cancellation is POSTed to
// <endpoint>/cancel.
type Remote struct {
	core
	signingKey []byte
	issuer     string
}

// NewRemote signs requests with HS256 under signingKey. An empty key sends
// no Authorization header.
func NewRemote(signingKey []byte, opts ...Option) *Remote {
	return &Remote{core: newCore("remote", opts), signingKey: signingKey, issuer: "substrate"}
}

func (r *Remote) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	secrets, early, err := r.prepare(inv)
	if err != nil || early != nil {
		return early, err
	}
	endpoint := strings.TrimRight(inv.Processor.Endpoint, "/")
	if endpoint == "" {
		return nil, errorir.New(errorir.CodeAdapterInvocation, "%s has no remote endpoint", inv.Processor.Ref)
	}
	if err := waitHealthy(ctx, r.http, endpoint+"/healthz", inv.ExecutionID, r.health); err != nil {
		if ctx.Err() != nil {
			return r.failed(inv, errorir.New(errorir.CodeCancelled, "invocation cancelled"), start), nil
		}
		return nil, err
	}
	token, err := r.sign(inv, endpoint)
	if err != nil {
		return nil, errorir.Wrap(errorir.CodeAdapterInvocation, err, "sign request")
	}
	return r.exchange(ctx, &ndjsonConn{client: r.http, endpoint: endpoint, token: token}, inv, secrets, start)
}

func (r *Remote) sign(inv Invocation, audience string) (string, error) {
	if len(r.signingKey) == 0 {
		return "", nil
	}
	now := time.Now().UTC()
	ttl := inv.Timeout
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claims := InvocationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        inv.ExecutionID,
			Subject:   inv.Processor.Ref,
			Issuer:    r.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl + time.Minute)),
		},
		Mode:   inv.Payload.Mode,
		Digest: inv.PinnedDigest,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.signingKey)
}

// ndjsonConn opens the stream with the Request frame. Cancel frames always
// go to /cancel, whether or not the /invoke response has started.
type ndjsonConn struct {
	client   *http.Client
	endpoint string
	token    string
	body     io.ReadCloser
	dec      *json.Decoder
}

func (c *ndjsonConn) post(ctx context.Context, path string, f Frame) (*http.Response, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func (c *ndjsonConn) send(ctx context.Context, f Frame) error {
	if f.Control.Cancel {
		resp, err := c.post(ctx, "/cancel", f)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("cancel returned %d", resp.StatusCode)
		}
		return nil
	}
	if c.body != nil {
		return fmt.Errorf("invoke already sent for execution %s", f.Control.ExecutionID)
	}
	resp, err := c.post(ctx, "/invoke", f)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return fmt.Errorf("invoke returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	c.body = resp.Body
	c.dec = json.NewDecoder(resp.Body)
	return nil
}

func (c *ndjsonConn) recv() (Frame, error) {
	var f Frame
	err := c.dec.Decode(&f)
	return f, err
}

func (c *ndjsonConn) close() error {
	if c.body == nil {
		return nil
	}
	return c.body.Close()
}
