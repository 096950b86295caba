package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"packline.ai/internal/protocol"
	"packline.ai/internal/sim"
)

// Server exposes a sim.API over the CALL/RESULT websocket protocol. Each
// connection is served sequentially: one call is read, executed and
// answered before the next is read.
type Server struct {
	api       sim.API
	sceneName string
	log       *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(api sim.API, sceneName string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		api:       api,
		sceneName: sceneName,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, client := s.handshake(conn)
		if sessionID == "" {
			return
		}
		s.log.Printf("session %s opened client=%s", sessionID, client)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		calls := 0
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeCall {
				continue
			}
			var call protocol.CallMsg
			if err := json.Unmarshal(msg, &call); err != nil {
				continue
			}
			var res protocol.ResultMsg
			if call.ProtocolVersion != protocol.Version {
				res = failure(call.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
			} else {
				res = s.dispatch(ctx, call)
			}
			calls++
			if err := writeJSON(conn, res); err != nil {
				break
			}
		}
		s.log.Printf("session %s closed calls=%d", sessionID, calls)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID, client string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", ""
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		SceneName:       s.sceneName,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", ""
	}
	return welcome.SessionID, hello.ClientName
}

func (s *Server) dispatch(ctx context.Context, c protocol.CallMsg) protocol.ResultMsg {
	res := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              c.ID,
	}
	h := sim.Handle(c.Handle)
	rel := sim.Handle(c.Relative)

	var err error
	switch c.Op {
	case protocol.OpPing:
	case protocol.OpStartSimulation:
		err = s.api.StartSimulation(ctx)
	case protocol.OpStopSimulation:
		err = s.api.StopSimulation(ctx)
	case protocol.OpGetObjectHandle:
		var out sim.Handle
		out, err = s.api.ObjectHandle(ctx, c.Name)
		res.Handle = int32(out)
	case protocol.OpGetPosition:
		v, e := s.api.ObjectPosition(ctx, h, rel)
		res.Vec, err = sim.ToArray(v), e
	case protocol.OpSetPosition:
		err = s.api.SetObjectPosition(ctx, h, rel, sim.FromArray(c.Vec))
	case protocol.OpGetOrientation:
		v, e := s.api.ObjectOrientation(ctx, h, rel)
		res.Vec, err = sim.ToArray(v), e
	case protocol.OpSetOrientation:
		err = s.api.SetObjectOrientation(ctx, h, rel, sim.FromArray(c.Vec))
	case protocol.OpSetParent:
		res.Status, err = s.api.SetObjectParent(ctx, h, sim.Handle(c.Parent), c.Keep)
	case protocol.OpSetIntParameter:
		err = s.api.SetIntParam(ctx, h, sim.ParamKind(c.Param), c.IntValue)
	case protocol.OpSetFloatParameter:
		err = s.api.SetFloatParam(ctx, h, sim.ParamKind(c.Param), c.FloatValue)
	case protocol.OpRemoveObject:
		err = s.api.RemoveObject(ctx, h)
	case protocol.OpCallScriptFunction:
		if c.Script == nil {
			return failure(c.ID, protocol.ErrBadParam, "missing script")
		}
		var ret sim.ScriptResult
		ret, err = s.api.CallScript(ctx, sim.ScriptCall{
			Target:   c.Script.Target,
			Function: c.Script.Function,
			Ints:     c.Script.Ints,
			Floats:   c.Script.Floats,
			Strings:  c.Script.Strings,
			Buffer:   c.Script.Buffer,
		})
		res.Script = &protocol.ScriptReturn{Ints: ret.Ints, Floats: ret.Floats, Strings: ret.Strings, Buffer: ret.Buffer}
	default:
		return failure(c.ID, protocol.ErrUnknownOp, c.Op)
	}
	if err != nil {
		f := failure(c.ID, codeFor(err), err.Error())
		if res.Status != 0 {
			f.Status = res.Status
		}
		return f
	}
	return res
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, sim.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, sim.ErrInvalidHandle):
		return protocol.ErrInvalidHandle
	default:
		return protocol.ErrInternal
	}
}

func failure(id uint64, code, msg string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Status:          -1,
		Code:            code,
		Message:         msg,
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
