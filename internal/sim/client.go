package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"

	"packline.ai/internal/protocol"
)

type DialConfig struct {
	// Addr is host:port of the simulation server.
	Addr       string
	Path       string
	ClientName string
	// Timeout bounds the handshake and every single call.
	Timeout time.Duration
	// Script names the scene object that hosts the shape helpers.
	Script string
}

// Client speaks the CALL/RESULT protocol over one websocket connection.
// Calls are serialized: exactly one request is in flight at a time, which
// is what lets the feeder and the packer share a connection.
type Client struct {
	cfg DialConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	closed bool

	sessionID string
	sceneName string
}

var _ API = (*Client)(nil)

// Dial connects and performs the HELLO/WELCOME handshake.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if strings.TrimSpace(cfg.Script) == "" {
		cfg.Script = CommandScript
	}
	if strings.TrimSpace(cfg.ClientName) == "" {
		cfg.ClientName = "packer"
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/sim"
	}
	u := url.URL{Scheme: "ws", Host: cfg.Addr, Path: path}

	d := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	conn, resp, err := d.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.Addr, Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      cfg.ClientName,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.Timeout))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: cfg.Addr, Err: fmt.Errorf("send HELLO: %w", err)}
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: cfg.Addr, Err: fmt.Errorf("read WELCOME: %w", err)}
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: cfg.Addr, Err: fmt.Errorf("expected WELCOME")}
	}
	if !protocol.IsSupportedVersion(w.ProtocolVersion) {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: cfg.Addr, Err: fmt.Errorf("unsupported protocol_version %q", w.ProtocolVersion)}
	}

	return &Client{
		cfg:       cfg,
		conn:      conn,
		sessionID: w.SessionID,
		sceneName: w.SceneName,
	}, nil
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) SceneName() string { return c.sceneName }

// Close makes sure the last command arrived (ping) and closes the connection.
func (c *Client) Close() error {
	_, _ = c.call(context.Background(), protocol.CallMsg{Op: protocol.OpPing})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, m protocol.CallMsg) (protocol.ResultMsg, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ResultMsg{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ResultMsg{}, &ConnectionError{Addr: c.cfg.Addr, Err: ErrClosed}
	}

	c.nextID++
	m.Type = protocol.TypeCall
	m.ProtocolVersion = protocol.Version
	m.ID = c.nextID

	// Only the client timeout bounds the exchange. A websocket that hits a
	// read deadline cannot be read again, so a shorter ctx deadline is
	// checked before sending and nowhere else.
	deadline := time.Now().Add(c.cfg.Timeout)

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(m); err != nil {
		c.breakLocked()
		return protocol.ResultMsg{}, &ConnectionError{Addr: c.cfg.Addr, Err: fmt.Errorf("%s: %w", m.Op, err)}
	}

	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.breakLocked()
			return protocol.ResultMsg{}, &ConnectionError{Addr: c.cfg.Addr, Err: fmt.Errorf("%s: %w", m.Op, err)}
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeResult {
			continue
		}
		var res protocol.ResultMsg
		if err := json.Unmarshal(msg, &res); err != nil {
			continue
		}
		if res.ID != m.ID {
			continue
		}
		if res.Code != "" {
			return res, &CallError{Op: m.Op, Code: res.Code, Status: res.Status, Message: res.Message}
		}
		return res, nil
	}
}

// breakLocked drops a connection whose stream state is unknown.
func (c *Client) breakLocked() {
	c.closed = true
	_ = c.conn.Close()
}

func (c *Client) StartSimulation(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpStartSimulation})
	return err
}

func (c *Client) StopSimulation(ctx context.Context) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpStopSimulation})
	return err
}

func (c *Client) ObjectHandle(ctx context.Context, name string) (Handle, error) {
	res, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpGetObjectHandle, Name: name})
	if err != nil {
		return World, err
	}
	return Handle(res.Handle), nil
}

func (c *Client) ObjectPosition(ctx context.Context, h, relativeTo Handle) (r3.Vector, error) {
	res, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpGetPosition, Handle: int32(h), Relative: int32(relativeTo)})
	if err != nil {
		return r3.Vector{}, err
	}
	return FromArray(res.Vec), nil
}

func (c *Client) SetObjectPosition(ctx context.Context, h, relativeTo Handle, pos r3.Vector) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpSetPosition, Handle: int32(h), Relative: int32(relativeTo), Vec: ToArray(pos)})
	return err
}

func (c *Client) ObjectOrientation(ctx context.Context, h, relativeTo Handle) (r3.Vector, error) {
	res, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpGetOrientation, Handle: int32(h), Relative: int32(relativeTo)})
	if err != nil {
		return r3.Vector{}, err
	}
	return FromArray(res.Vec), nil
}

func (c *Client) SetObjectOrientation(ctx context.Context, h, relativeTo Handle, euler r3.Vector) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpSetOrientation, Handle: int32(h), Relative: int32(relativeTo), Vec: ToArray(euler)})
	return err
}

// CreateShape goes through the configured command script, like any other
// scene-side helper.
func (c *Client) CreateShape(ctx context.Context, size, pos r3.Vector, mass float64) (Handle, error) {
	ret, err := c.CallScript(ctx, ScriptCall{
		Target:   c.cfg.Script,
		Function: FnCreatePureShape,
		Floats:   []float64{size.X, size.Y, size.Z, pos.X, pos.Y, pos.Z, mass},
	})
	if err != nil {
		return World, err
	}
	if len(ret.Ints) == 0 {
		return World, fmt.Errorf("%s: empty return", FnCreatePureShape)
	}
	return Handle(ret.Ints[0]), nil
}

func (c *Client) SetObjectParent(ctx context.Context, child, parent Handle, keepInPlace bool) (int, error) {
	res, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpSetParent, Handle: int32(child), Parent: int32(parent), Keep: keepInPlace})
	if err != nil {
		var ce *CallError
		if !errors.As(err, &ce) {
			return -1, err
		}
		// Server-side refusals are reported through the status code.
		return nonzero(res.Status), nil
	}
	return res.Status, nil
}

func (c *Client) SetIntParam(ctx context.Context, h Handle, kind ParamKind, v int) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpSetIntParameter, Handle: int32(h), Param: int(kind), IntValue: v})
	return err
}

func (c *Client) SetFloatParam(ctx context.Context, h Handle, kind ParamKind, v float64) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpSetFloatParameter, Handle: int32(h), Param: int(kind), FloatValue: v})
	return err
}

func (c *Client) RemoveObject(ctx context.Context, h Handle) error {
	_, err := c.call(ctx, protocol.CallMsg{Op: protocol.OpRemoveObject, Handle: int32(h)})
	return err
}

func (c *Client) CallScript(ctx context.Context, call ScriptCall) (ScriptResult, error) {
	res, err := c.call(ctx, protocol.CallMsg{
		Op: protocol.OpCallScriptFunction,
		Script: &protocol.ScriptCall{
			Target:   call.Target,
			Function: call.Function,
			Ints:     call.Ints,
			Floats:   call.Floats,
			Strings:  call.Strings,
			Buffer:   call.Buffer,
		},
	})
	if err != nil {
		return ScriptResult{}, err
	}
	if res.Script == nil {
		return ScriptResult{}, nil
	}
	return ScriptResult{
		Ints:    res.Script.Ints,
		Floats:  res.Script.Floats,
		Strings: res.Script.Strings,
		Buffer:  res.Script.Buffer,
	}, nil
}

func nonzero(status int) int {
	if status == StatusOK {
		return 1
	}
	return status
}

func ToArray(v r3.Vector) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func FromArray(a [3]float64) r3.Vector { return r3.Vector{X: a[0], Y: a[1], Z: a[2]} }
