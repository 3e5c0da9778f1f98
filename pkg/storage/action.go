package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Action names delivered to subscribers.
const (
	ActionAdd         = "add"
	ActionAddAll      = "addAll"
	ActionAddUpFront  = "addUpFront"
	ActionClear       = "clear"
	ActionCommit      = "commit"
	ActionPush        = "push"
	ActionRemove      = "remove"
	ActionRemoveAll   = "removeAll"
	ActionRetainAll   = "retainAll"
	ActionTrim        = "trim"
	ActionTrimAtEnd   = "trimAtEnd"
	ActionLoaded      = "loaded"
	ActionWillChange  = "willChange"
	ActionReloadQuery = "reloadQuery"
	ActionDelete      = "delete"
)

// Well known parameter keys.
const (
	ParamObjectID = "objectId"
	ParamGap      = "gap"
	ParamCount    = "count"
)

// Action is a named change notification with an optional parameter bag.
type Action struct {
	Name   string           `json:"name"`
	Params map[string]Param `json:"params,omitempty"`
}

func NewAction(name string) Action {
	return Action{Name: name}
}

// With returns a copy of the action with key set to value.
func (a Action) With(key string, value Param) Action {
	params := make(map[string]Param, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	params[key] = value
	a.Params = params
	return a
}

// WithAll returns a copy of the action with every entry of params set.
func (a Action) WithAll(params map[string]Param) Action {
	for k, v := range params {
		a = a.With(k, v)
	}
	return a
}

func (a Action) Param(key string) (Param, bool) {
	p, ok := a.Params[key]
	return p, ok
}

func (a Action) String() string {
	if len(a.Params) == 0 {
		return a.Name
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Name)
	b.WriteRune('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteRune(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, a.Params[k])
	}
	b.WriteRune('}')
	return b.String()
}

// Kind tags the value held by a Param.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindInt
	KindBool
	KindFloat
)

var kindNames = [...]string{"none", "string", "int", "bool", "float"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Param is a small tagged union used for action parameters and list metadata.
type Param struct {
	kind Kind
	s    string
	i    int64
	b    bool
	f    float64
}

func String(v string) Param  { return Param{kind: KindString, s: v} }
func Int(v int) Param        { return Param{kind: KindInt, i: int64(v)} }
func Int64(v int64) Param    { return Param{kind: KindInt, i: v} }
func Bool(v bool) Param      { return Param{kind: KindBool, b: v} }
func Float(v float64) Param  { return Param{kind: KindFloat, f: v} }
func (p Param) Kind() Kind   { return p.kind }
func (p Param) IsZero() bool { return p.kind == KindNone }

func (p Param) AsString() (string, bool) { return p.s, p.kind == KindString }
func (p Param) AsInt() (int, bool)       { return int(p.i), p.kind == KindInt }
func (p Param) AsInt64() (int64, bool)   { return p.i, p.kind == KindInt }
func (p Param) AsBool() (bool, bool)     { return p.b, p.kind == KindBool }
func (p Param) AsFloat() (float64, bool) { return p.f, p.kind == KindFloat }

func (p Param) Value() any {
	switch p.kind {
	case KindString:
		return p.s
	case KindInt:
		return p.i
	case KindBool:
		return p.b
	case KindFloat:
		return p.f
	}
	return nil
}

func (p Param) String() string {
	if p.kind == KindNone {
		return "<none>"
	}
	return fmt.Sprint(p.Value())
}

type paramJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (p Param) MarshalJSON() ([]byte, error) {
	if p.kind == KindNone {
		return json.Marshal(paramJSON{Kind: p.kind.String()})
	}
	v, err := json.Marshal(p.Value())
	if err != nil {
		return nil, err
	}
	return json.Marshal(paramJSON{Kind: p.kind.String(), Value: v})
}

func (p *Param) UnmarshalJSON(b []byte) error {
	var raw paramJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var err error
	switch raw.Kind {
	case "none", "":
		*p = Param{}
	case "string":
		p.kind = KindString
		err = json.Unmarshal(raw.Value, &p.s)
	case "int":
		p.kind = KindInt
		err = json.Unmarshal(raw.Value, &p.i)
	case "bool":
		p.kind = KindBool
		err = json.Unmarshal(raw.Value, &p.b)
	case "float":
		p.kind = KindFloat
		err = json.Unmarshal(raw.Value, &p.f)
	default:
		err = fmt.Errorf("%w: %q", ErrParamKind, raw.Kind)
	}
	return err
}
