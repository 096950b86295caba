package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	SceneName       string `json:"scene_name,omitempty"`
}

// Remote operations carried by CALL.
const (
	OpStartSimulation    = "start_simulation"
	OpStopSimulation     = "stop_simulation"
	OpGetObjectHandle    = "get_object_handle"
	OpGetPosition        = "get_object_position"
	OpSetPosition        = "set_object_position"
	OpGetOrientation     = "get_object_orientation"
	OpSetOrientation     = "set_object_orientation"
	OpSetParent          = "set_object_parent"
	OpSetIntParameter    = "set_int_parameter"
	OpSetFloatParameter  = "set_float_parameter"
	OpRemoveObject       = "remove_object"
	OpCallScriptFunction = "call_script_function"
	OpPing               = "ping"
)

var knownOps = map[string]struct{}{
	OpStartSimulation:    {},
	OpStopSimulation:     {},
	OpGetObjectHandle:    {},
	OpGetPosition:        {},
	OpSetPosition:        {},
	OpGetOrientation:     {},
	OpSetOrientation:     {},
	OpSetParent:          {},
	OpSetIntParameter:    {},
	OpSetFloatParameter:  {},
	OpRemoveObject:       {},
	OpCallScriptFunction: {},
	OpPing:               {},
}

func IsKnownOp(op string) bool {
	_, ok := knownOps[op]
	return ok
}

// CALL (client -> server). Fields are interpreted per Op.
type CallMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              uint64 `json:"id"`
	Op              string `json:"op"`

	Handle   int32      `json:"handle,omitempty"`
	Relative int32      `json:"relative,omitempty"`
	Parent   int32      `json:"parent,omitempty"`
	Name     string     `json:"name,omitempty"`
	Vec      [3]float64 `json:"vec"`
	Keep     bool       `json:"keep_in_place,omitempty"`

	Param      int     `json:"param,omitempty"`
	IntValue   int     `json:"int_value,omitempty"`
	FloatValue float64 `json:"float_value,omitempty"`

	Script *ScriptCall `json:"script,omitempty"`
}

type ScriptCall struct {
	Target   string    `json:"target"`
	Function string    `json:"function"`
	Ints     []int     `json:"ints"`
	Floats   []float64 `json:"floats"`
	Strings  []string  `json:"strings"`
	Buffer   []byte    `json:"buffer,omitempty"`
}

type ScriptReturn struct {
	Ints    []int     `json:"ints"`
	Floats  []float64 `json:"floats"`
	Strings []string  `json:"strings"`
	Buffer  []byte    `json:"buffer,omitempty"`
}

// RESULT (server -> client). Status mirrors the simulator's return code
// (0 = ok); Code is set when the call could not be served at all.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              uint64 `json:"id"`
	Status          int    `json:"status"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`

	Handle int32         `json:"handle,omitempty"`
	Vec    [3]float64    `json:"vec"`
	Script *ScriptReturn `json:"script,omitempty"`
}
