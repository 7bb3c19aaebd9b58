package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Action is the request kind carried in the "action" field.
type Action int

const (
	ActionPing Action = iota
	ActionAck
	ActionHandshake
	ActionExit
	ActionMetric
	ActionComponent
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionPing:
		return "ping"
	case ActionAck:
		return "ack"
	case ActionHandshake:
		return "handshake"
	case ActionExit:
		return "exit"
	case ActionMetric:
		return "metric"
	case ActionComponent:
		return "component"
	case ActionError:
		return "error"
	default:
		return "unknown(" + strconv.Itoa(int(a)) + ")"
	}
}

// Request is the structured content of a text/json message. Every variant is
// validated at construction and after decoding.
type Request interface {
	Action() Action
	IsResponse() bool
	Validate() error

	request()
}

// Base carries the fields shared by every variant.
type Base struct {
	Response bool `json:"response"`
}

func (b Base) IsResponse() bool { return b.Response }

func (Base) request() {}

// Ping checks liveness; the peer answers with an Ack.
type Ping struct {
	Base
}

func NewPing() *Ping { return &Ping{} }

func (*Ping) Action() Action  { return ActionPing }
func (*Ping) Validate() error { return nil }

// Ack acknowledges a Ping.
type Ack struct {
	Base
}

func NewAck() *Ack { return &Ack{Base: Base{Response: true}} }

func (*Ack) Action() Action  { return ActionAck }
func (*Ack) Validate() error { return nil }

// HardwareProfile is the static description of a node's machine.
type HardwareProfile struct {
	NumCPU   int      `json:"num_cpu" yaml:"num_cpu"`
	CPUSpeed float64  `json:"cpu_speed" yaml:"cpu_speed"`
	RAM      uint64   `json:"ram" yaml:"ram"`
	GPU      *GPUInfo `json:"gpu_info,omitempty" yaml:"gpu_info,omitempty"`
}

type GPUInfo struct {
	HasGPU     bool    `json:"has_gpu" yaml:"has_gpu"`
	VRAMTotal  uint64  `json:"vram_total,omitempty" yaml:"vram_total,omitempty"`
	ClockSpeed float64 `json:"clock_speed,omitempty" yaml:"clock_speed,omitempty"`
}

// Clone returns a deep copy.
func (h HardwareProfile) Clone() HardwareProfile {
	if h.GPU != nil {
		gpu := *h.GPU
		h.GPU = &gpu
	}
	return h
}

// Handshake establishes identity and hardware on a fresh connection.
type Handshake struct {
	Base
	ID       uuid.UUID        `json:"uuid"`
	Hardware *HardwareProfile `json:"hw_stats"`
}

func NewHandshake(id uuid.UUID, hw HardwareProfile) (*Handshake, error) {
	h := &Handshake{ID: id, Hardware: &hw}
	return h, h.Validate()
}

func NewHandshakeResponse(id uuid.UUID, hw HardwareProfile) (*Handshake, error) {
	h := &Handshake{Base: Base{Response: true}, ID: id, Hardware: &hw}
	return h, h.Validate()
}

func (*Handshake) Action() Action { return ActionHandshake }

func (h *Handshake) Validate() error {
	if h.ID == uuid.Nil {
		return invalid(ActionHandshake, "missing uuid")
	}
	if h.Hardware == nil {
		return invalid(ActionHandshake, "missing hw_stats")
	}
	return nil
}

// Exit asks the peer to close the connection. No response is expected.
type Exit struct {
	Base
}

func NewExit() *Exit { return &Exit{} }

func (*Exit) Action() Action  { return ActionExit }
func (*Exit) Validate() error { return nil }

// MetricRow is one aggregate row of a metric response.
type MetricRow struct {
	PID     int     `json:"pid"`
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Samples int     `json:"samples"`
}

// MetricRequest asks for aggregates over the trailing Period seconds.
type MetricRequest struct {
	Base
	Metrics []string    `json:"metrics"`
	Period  float64     `json:"period"`
	Rows    []MetricRow `json:"rows,omitempty"`
}

func NewMetricRequest(period float64, metrics ...string) (*MetricRequest, error) {
	m := &MetricRequest{Metrics: metrics, Period: period}
	return m, m.Validate()
}

func NewMetricResponse(request *MetricRequest, rows []MetricRow) (*MetricRequest, error) {
	if rows == nil {
		rows = []MetricRow{}
	}
	m := &MetricRequest{
		Base:    Base{Response: true},
		Metrics: request.Metrics,
		Period:  request.Period,
		Rows:    rows,
	}
	return m, m.Validate()
}

func (*MetricRequest) Action() Action { return ActionMetric }

func (m *MetricRequest) Validate() error {
	if m.Response {
		return nil
	}
	if len(m.Metrics) == 0 {
		return invalid(ActionMetric, "missing metrics")
	}
	if m.Period <= 0 {
		return invalid(ActionMetric, "period must be positive")
	}
	return nil
}

// ComponentSteps is the ordered list of sub-actions applied to one component.
// On the wire a single step is a plain string, several steps are an array.
type ComponentSteps []string

func (s ComponentSteps) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s *ComponentSteps) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = ComponentSteps{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ComponentResult is either a pid (start) or a status string (ready, pair, ...).
type ComponentResult struct {
	PID    int
	Status string
}

func PIDResult(pid int) ComponentResult { return ComponentResult{PID: pid} }

func StatusResult(status string) ComponentResult { return ComponentResult{Status: status} }

// IsPID reports whether the result carries a pid.
func (r ComponentResult) IsPID() bool { return r.Status == "" }

func (r ComponentResult) String() string {
	if r.IsPID() {
		return strconv.Itoa(r.PID)
	}
	return r.Status
}

func (r ComponentResult) MarshalJSON() ([]byte, error) {
	if r.IsPID() {
		return json.Marshal(r.PID)
	}
	return json.Marshal(r.Status)
}

func (r *ComponentResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var status string
		if err := json.Unmarshal(data, &status); err != nil {
			return err
		}
		*r = StatusResult(status)
		return nil
	}
	var pid int
	if err := json.Unmarshal(data, &pid); err != nil {
		return err
	}
	*r = PIDResult(pid)
	return nil
}

// ComponentRequest drives the lifecycle of named components on a peer.
// Components[i] receives Actions[i] with Args[i].
type ComponentRequest struct {
	Base
	Components []string          `json:"components"`
	Actions    []ComponentSteps  `json:"component_actions"`
	Args       []map[string]any  `json:"args,omitempty"`
	Results    []ComponentResult `json:"results,omitempty"`
}

func NewComponentRequest(components []string, actions []ComponentSteps, args []map[string]any) (*ComponentRequest, error) {
	c := &ComponentRequest{Components: components, Actions: actions, Args: args}
	return c, c.Validate()
}

// NewComponentStart is the common single-component "start" request.
func NewComponentStart(component string, args map[string]any) (*ComponentRequest, error) {
	var argList []map[string]any
	if args != nil {
		argList = []map[string]any{args}
	}
	return NewComponentRequest([]string{component}, []ComponentSteps{{"start"}}, argList)
}

func NewComponentResponse(request *ComponentRequest, results []ComponentResult) (*ComponentRequest, error) {
	if results == nil {
		results = []ComponentResult{}
	}
	c := &ComponentRequest{
		Base:       Base{Response: true},
		Components: request.Components,
		Actions:    request.Actions,
		Results:    results,
	}
	return c, c.Validate()
}

func (*ComponentRequest) Action() Action { return ActionComponent }

func (c *ComponentRequest) Validate() error {
	if c.Response {
		return nil
	}
	if len(c.Components) == 0 {
		return invalid(ActionComponent, "missing components")
	}
	if len(c.Actions) != len(c.Components) {
		return invalid(ActionComponent, fmt.Sprintf("%d components but %d action lists", len(c.Components), len(c.Actions)))
	}
	for i, steps := range c.Actions {
		if len(steps) == 0 {
			return invalid(ActionComponent, fmt.Sprintf("empty action list for %q", c.Components[i]))
		}
	}
	if len(c.Args) != 0 && len(c.Args) != len(c.Components) {
		return invalid(ActionComponent, fmt.Sprintf("%d components but %d argument maps", len(c.Components), len(c.Args)))
	}
	return nil
}

// ArgsFor returns the argument map of the i-th component, never nil.
func (c *ComponentRequest) ArgsFor(i int) map[string]any {
	if i < len(c.Args) && c.Args[i] != nil {
		return c.Args[i]
	}
	return map[string]any{}
}

// ErrorReport carries a human readable failure description.
type ErrorReport struct {
	Base
	Message string `json:"error"`
}

func NewErrorReport(message string) (*ErrorReport, error) {
	e := &ErrorReport{Message: message}
	return e, e.Validate()
}

func (*ErrorReport) Action() Action { return ActionError }

func (e *ErrorReport) Validate() error {
	if e.Message == "" {
		return invalid(ActionError, "missing error description")
	}
	return nil
}

func invalid(action Action, reason string) error {
	return NewProtocolError(ErrorCodeInvalidRequest, action.String()+": "+reason, ErrInvalidRequest).
		WithContext("action", action.String())
}

// EncodeRequest serializes a request with its action tag.
func EncodeRequest(r Request) ([]byte, error) {
	if r == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "nil request")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request", r.Action())
	}

	var fields map[string]json.RawMessage
	if err = json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrapf(err, "encode %s request", r.Action())
	}
	fields["action"] = json.RawMessage(strconv.Itoa(int(r.Action())))
	return json.Marshal(fields)
}

func newRequest(action Action) (Request, error) {
	switch action {
	case ActionPing:
		return &Ping{}, nil
	case ActionAck:
		return &Ack{}, nil
	case ActionHandshake:
		return &Handshake{}, nil
	case ActionExit:
		return &Exit{}, nil
	case ActionMetric:
		return &MetricRequest{}, nil
	case ActionComponent:
		return &ComponentRequest{}, nil
	case ActionError:
		return &ErrorReport{}, nil
	default:
		return nil, NewProtocolError(ErrorCodeInvalidRequest, "unknown action "+action.String(), ErrUnknownAction)
	}
}

// DecodeRequest parses a JSON request into its variant and validates it.
func DecodeRequest(data []byte) (Request, error) {
	var tag struct {
		Action *Action `json:"action"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, NewProtocolError(ErrorCodeInvalidRequest, "malformed request", errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	if tag.Action == nil {
		return nil, NewProtocolError(ErrorCodeInvalidRequest, "request without action", ErrInvalidRequest)
	}

	req, err := newRequest(*tag.Action)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, req); err != nil {
		return nil, NewProtocolError(ErrorCodeInvalidRequest, "malformed "+tag.Action.String()+" request",
			errors.Wrap(ErrInvalidRequest, err.Error()))
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
