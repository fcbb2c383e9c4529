package workflow

// Graph is a materialized workflow: ordered steps plus edges between them.
type Graph struct {
	ID       string         `json:"id,omitempty"`
	Version  string         `json:"version,omitempty"`
	Steps    []Step         `json:"steps"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Extra    map[string]any `json:"-"` // Unknown top-level fields, preserved
}

// Step is a single unit of work in a workflow.
type Step struct {
	ID        string                   `json:"id"`
	Title     string                   `json:"title,omitempty"`
	Kind      string                   `json:"kind,omitempty"`
	Required  bool                     `json:"required,omitempty"`
	StepType  string                   `json:"stepType,omitempty"`
	Requires  []string                 `json:"requires,omitempty"`
	Secrets   map[string]SecretBinding `json:"secrets,omitempty"` // logical name -> alias binding
	Execution *Execution               `json:"execution,omitempty"`
	Metadata  map[string]any           `json:"metadata,omitempty"`
	Extra     map[string]any           `json:"-"` // Unknown step fields, preserved
}

// Edge links two steps by id.
type Edge struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionMode tags the Execution variant.
type ExecutionMode string

const (
	ModeManual            ExecutionMode = "manual"
	ModeTemporal          ExecutionMode = "temporal"
	ModeExternalWebhook   ExecutionMode = "external:webhook"
	ModeExternalWebsocket ExecutionMode = "external:websocket"
)

// ValidExecutionModes defines allowed execution modes.
var ValidExecutionModes = map[ExecutionMode]bool{
	ModeManual:            true,
	ModeTemporal:          true,
	ModeExternalWebhook:   true,
	ModeExternalWebsocket: true,
}

// IsExternal reports whether the mode calls out to an external endpoint.
func (m ExecutionMode) IsExternal() bool {
	return m == ModeExternalWebhook || m == ModeExternalWebsocket
}

// Execution describes how a step runs. Which fields are meaningful depends
// on Mode; external modes reference endpoints and credentials only through
// aliases resolved by the runtime.
type Execution struct {
	Mode        ExecutionMode  `json:"mode"`
	URLAlias    string         `json:"urlAlias,omitempty"`
	TokenAlias  string         `json:"tokenAlias,omitempty"`
	Signing     *Signing       `json:"signing,omitempty"`
	InputSchema string         `json:"input_schema,omitempty"`
	Config      map[string]any `json:"config,omitempty"`

	// Raw endpoint material. Never valid; decoded so validation can reject it.
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// Signing configures request signing for external steps.
type Signing struct {
	Algo        string `json:"algo,omitempty"`
	SecretAlias string `json:"secretAlias,omitempty"`
}
