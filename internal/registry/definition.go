package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	TypeFile       ParamType = "file"
	TypeDirectory  ParamType = "directory"
	TypeString     ParamType = "string"
	TypeInt        ParamType = "int"
	TypeFloat      ParamType = "float"
	TypeText       ParamType = "text"
	TypeBase64Data ParamType = "base64data"
	TypeTextAnchor ParamType = "text-anchor"
)

// Backend selects how an action is executed.
type Backend int

const (
	// BackendProcess spawns the rendered command line.
	BackendProcess Backend = iota
	// BackendHandler calls a registered in-process handler.
	BackendHandler
)

func (b Backend) String() string {
	if b == BackendHandler {
		return "handler"
	}
	return "process"
}

// Definition is one declarative action. Definitions are replaced wholesale on
// reload and never mutated once published.
type Definition struct {
	Name        string      `json:"-" yaml:"-"`
	Library     string      `json:"lib,omitempty" yaml:"lib,omitempty"`
	Priority    float64     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Attributes  Attributes  `json:"attributes" yaml:"attributes"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ImportError string      `json:"importError,omitempty" yaml:"importError,omitempty"`
}

// Attributes describe the action backend and its caching behaviour.
type Attributes struct {
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty"`
	Command    string `json:"command,omitempty" yaml:"command,omitempty"`
	Module     string `json:"module,omitempty" yaml:"module,omitempty"`
	VoidAction Flag   `json:"voidAction,omitempty" yaml:"voidAction,omitempty"`
	NoCache    Flag   `json:"noCache,omitempty" yaml:"noCache,omitempty"`
}

// Parameter is one entry of an action's ordered parameter schema.
type Parameter struct {
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Type     ParamType `json:"type,omitempty" yaml:"type,omitempty"`
	Required Flag      `json:"required,omitempty" yaml:"required,omitempty"`
	Prefix   string    `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Min      *Number   `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *Number   `json:"max,omitempty" yaml:"max,omitempty"`
	Text     *string   `json:"text,omitempty" yaml:"text,omitempty"`
}

// IsAnchor reports whether the parameter is a literal text anchor.
func (p Parameter) IsAnchor() bool {
	return p.Text != nil || p.Type == TypeTextAnchor
}

// AnchorText returns the literal emitted by an anchor parameter.
func (p Parameter) AnchorText() string {
	if p.Text == nil {
		return ""
	}
	return *p.Text
}

// Backend returns the execution backend selected by the attributes.
func (d Definition) Backend() Backend {
	if d.Attributes.Module != "" {
		return BackendHandler
	}
	return BackendProcess
}

// Program returns the executable path or command string the command line
// starts with.
func (d Definition) Program() string {
	if d.Attributes.Executable != "" {
		return d.Attributes.Executable
	}
	return d.Attributes.Command
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := d
	out.Parameters = slices.Clone(d.Parameters)
	for i := range out.Parameters {
		p := &out.Parameters[i]
		if p.Min != nil {
			v := *p.Min
			p.Min = &v
		}
		if p.Max != nil {
			v := *p.Max
			p.Max = &v
		}
		if p.Text != nil {
			v := *p.Text
			p.Text = &v
		}
	}
	return out
}

func (d Definition) validate() error {
	a := d.Attributes
	if a.Module != "" && a.Executable != "" {
		return fmt.Errorf("action %s: module and executable are mutually exclusive", d.Name)
	}
	if a.Module == "" && a.Executable == "" && a.Command == "" {
		return fmt.Errorf("action %s: one of executable, command or module is required", d.Name)
	}
	for i, p := range d.Parameters {
		if p.IsAnchor() {
			continue
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("action %s: parameter %d has no name", d.Name, i)
		}
	}
	return nil
}

// Flag is a boolean that also accepts the legacy string forms "true"/"false".
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	return f.parse(s)
}

func (f *Flag) UnmarshalYAML(n *yaml.Node) error {
	return f.parse(n.Value)
}

func (f *Flag) parse(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "false", "0":
		*f = false
	case "true", "1":
		*f = true
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	return nil
}

// Number is a float bound that also accepts numeric strings.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*n = Number(v)
		return nil
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("invalid number %s", b)
	}
}

func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	return n.parse(node.Value)
}

func (n *Number) parse(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*n = Number(v)
	return nil
}
