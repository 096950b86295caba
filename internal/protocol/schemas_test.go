package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"packline.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	helloSchema := compile("hello.schema.json")
	welcomeSchema := compile("welcome.schema.json")
	callSchema := compile("call.schema.json")
	resultSchema := compile("result.schema.json")

	validate(helloSchema, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "packer",
	})
	validate(welcomeSchema, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       "S1",
		SceneName:       "conveyor",
	})
	validate(callSchema, protocol.CallMsg{
		Type:            protocol.TypeCall,
		ProtocolVersion: protocol.Version,
		ID:              1,
		Op:              protocol.OpSetParent,
		Handle:          12,
		Parent:          -1,
		Keep:            true,
	})
	validate(callSchema, protocol.CallMsg{
		Type:            protocol.TypeCall,
		ProtocolVersion: protocol.Version,
		ID:              2,
		Op:              protocol.OpCallScriptFunction,
		Script: &protocol.ScriptCall{
			Target:   "remoteApiCommandServer",
			Function: "CreatePureShape",
			Floats:   []float64{0.1, 0.1, 0.1, 2.8, -0.85, 0.06, 0.01},
		},
	})
	validate(resultSchema, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              2,
		Script:          &protocol.ScriptReturn{Ints: []int{31}},
	})
	validate(resultSchema, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              3,
		Status:          8,
		Code:            protocol.ErrNotFound,
		Message:         "object not found: Preview",
	})
}

func TestSchemas_RejectUnknownOp(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "call.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"CALL","protocol_version":"1.0","id":1,"op":"teleport","vec":[0,0,0]}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected unknown op to fail validation")
	}
}
