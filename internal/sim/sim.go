// Package sim is the boundary to the remote simulation server: the API the
// packer depends on, the handle and parameter vocabulary, and a websocket
// client that implements it.
package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"packline.ai/internal/protocol"
)

// Handle is an opaque object reference issued by the simulation server.
type Handle int32

// World is the parent/relative handle meaning "world frame".
const World Handle = -1

// StatusOK is the simulator's success return code.
const StatusOK = 0

// ParamKind selects an object parameter for SetIntParam/SetFloatParam.
type ParamKind int

const (
	ParamStatic          ParamKind = 3003
	ParamRespondable     ParamKind = 3004
	ParamMass            ParamKind = 3005
	ParamRespondableMask ParamKind = 3019
)

func (p ParamKind) String() string {
	switch p {
	case ParamStatic:
		return "static"
	case ParamRespondable:
		return "respondable"
	case ParamMass:
		return "mass"
	case ParamRespondableMask:
		return "respondable_mask"
	default:
		return fmt.Sprintf("param(%d)", int(p))
	}
}

// Script function names served by the scene's command script.
const (
	CommandScript     = "remoteApiCommandServer"
	FnCreatePureShape = "CreatePureShape"
	FnSetColor        = "SetColor"
)

// ScriptCall is a generic script-function invocation.
type ScriptCall struct {
	Target   string
	Function string
	Ints     []int
	Floats   []float64
	Strings  []string
	Buffer   []byte
}

// ScriptResult carries a script function's return values.
type ScriptResult struct {
	Ints    []int
	Floats  []float64
	Strings []string
	Buffer  []byte
}

// API is the remote simulation-control surface the packer depends on.
// Implementations must be safe for concurrent use.
type API interface {
	StartSimulation(ctx context.Context) error
	StopSimulation(ctx context.Context) error

	// ObjectHandle fails with ErrNotFound if name is unknown.
	ObjectHandle(ctx context.Context, name string) (Handle, error)

	ObjectPosition(ctx context.Context, h, relativeTo Handle) (r3.Vector, error)
	SetObjectPosition(ctx context.Context, h, relativeTo Handle, pos r3.Vector) error
	ObjectOrientation(ctx context.Context, h, relativeTo Handle) (r3.Vector, error)
	SetObjectOrientation(ctx context.Context, h, relativeTo Handle, euler r3.Vector) error

	CreateShape(ctx context.Context, size, pos r3.Vector, mass float64) (Handle, error)

	// SetObjectParent returns the simulator status code; a nonzero status
	// with a nil error means the server refused the reassignment.
	SetObjectParent(ctx context.Context, child, parent Handle, keepInPlace bool) (int, error)

	SetIntParam(ctx context.Context, h Handle, kind ParamKind, v int) error
	SetFloatParam(ctx context.Context, h Handle, kind ParamKind, v float64) error
	RemoveObject(ctx context.Context, h Handle) error

	CallScript(ctx context.Context, call ScriptCall) (ScriptResult, error)

	Close() error
}

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrClosed        = errors.New("connection closed")
)

// ConnectionError is fatal: the server could not be reached or the
// connection broke mid-call.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("simulation server %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CallError reports a call the server answered with an error code.
type CallError struct {
	Op      string
	Code    string
	Status  int
	Message string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s status=%d", e.Op, e.Code, e.Status)
}

func (e *CallError) Unwrap() error {
	switch e.Code {
	case protocol.ErrNotFound:
		return ErrNotFound
	case protocol.ErrInvalidHandle:
		return ErrInvalidHandle
	}
	return nil
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
