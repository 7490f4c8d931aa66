// Package telemetry exposes the flat set of named, typed, versioned data
// nodes of the controller: measurements, configuration, statistics,
// actuators and commands. Node IDs are stable 16-bit values; breaking
// layout changes require bumping SchemaVersion.
package telemetry

import (
	"crypto/subtle"

	"chargectl-go/errcode"
)

// SchemaVersion tags persisted blobs and telemetry frames. Bump on any
// breaking change to node IDs or value types.
const SchemaVersion uint16 = 3

// Role is the active access level of the external interface.
type Role uint8

const (
	RoleUser Role = iota
	RoleExpert
	RoleMaker
)

// Access bits per node: {read, write} x {user, expert, maker}.
type Access uint8

const (
	ReadUser Access = 1 << iota
	WriteUser
	ReadExpert
	WriteExpert
	ReadMaker
	WriteMaker

	ReadAll  = ReadUser | ReadExpert | ReadMaker
	WriteAll = WriteUser | WriteExpert | WriteMaker
)

func readBit(r Role) Access {
	switch r {
	case RoleMaker:
		return ReadMaker
	case RoleExpert:
		return ReadExpert
	default:
		return ReadUser
	}
}

func writeBit(r Role) Access {
	switch r {
	case RoleMaker:
		return WriteMaker
	case RoleExpert:
		return WriteExpert
	default:
		return WriteUser
	}
}

// Category groups nodes the way the external interface presents them.
type Category uint8

const (
	CatMeasurement Category = iota
	CatConf
	CatStatistic
	CatActuator
	CatCommand
	CatInfo
)

// Node is one telemetry/configuration item. Exactly one of the value
// pointers (or Fn for commands) is set; the tagged-union layout avoids
// reflection on constrained targets.
type Node struct {
	ID      uint16
	Name    string
	Cat     Category
	Access  Access
	Persist bool

	F32 *float32
	U32 *uint32
	U16 *uint16
	I64 *int64
	B   *bool
	S   *string
	Fn  func() error
}

func (n *Node) value() any {
	switch {
	case n.F32 != nil:
		return *n.F32
	case n.U32 != nil:
		return *n.U32
	case n.U16 != nil:
		return *n.U16
	case n.I64 != nil:
		return *n.I64
	case n.B != nil:
		return *n.B
	case n.S != nil:
		return *n.S
	}
	return nil
}

// setValue coerces v into the node's type. Numeric payloads arrive as
// float64 from JSON and as uint64/int64/float64 from CBOR.
func (n *Node) setValue(v any) error {
	switch {
	case n.F32 != nil:
		f, ok := toFloat(v)
		if !ok {
			return errcode.InvalidPayload
		}
		*n.F32 = float32(f)
	case n.U32 != nil:
		f, ok := toFloat(v)
		if !ok || f < 0 {
			return errcode.InvalidPayload
		}
		*n.U32 = uint32(f)
	case n.U16 != nil:
		f, ok := toFloat(v)
		if !ok || f < 0 {
			return errcode.InvalidPayload
		}
		*n.U16 = uint16(f)
	case n.I64 != nil:
		f, ok := toFloat(v)
		if !ok {
			return errcode.InvalidPayload
		}
		*n.I64 = int64(f)
	case n.B != nil:
		b, ok := v.(bool)
		if !ok {
			return errcode.InvalidPayload
		}
		*n.B = b
	case n.S != nil:
		s, ok := v.(string)
		if !ok {
			return errcode.InvalidPayload
		}
		*n.S = s
	default:
		return errcode.Unsupported
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint16:
		return float64(x), true
	}
	return 0, false
}

// Registry holds all published nodes and the active access role.
type Registry struct {
	nodes  []*Node
	byID   map[uint16]*Node
	byName map[string]*Node

	role Role

	// Passwords for the expert and maker levels, set from the board
	// config. Empty password disables the level.
	ExpertPassword string
	MakerPassword  string

	// OnConfChanged is invoked after a successful write to a CatConf
	// node; the owner runs the staging/validate/commit sequence.
	OnConfChanged func()
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint16]*Node),
		byName: make(map[string]*Node),
	}
}

func (r *Registry) Role() Role { return r.role }

// Add registers a node. Duplicate IDs or names are rejected: node IDs are
// a stable external contract.
func (r *Registry) Add(n *Node) error {
	if _, dup := r.byID[n.ID]; dup {
		return &errcode.E{C: errcode.InvalidParams, Op: "telemetry.Add", Msg: "duplicate node id"}
	}
	if _, dup := r.byName[n.Name]; dup {
		return &errcode.E{C: errcode.InvalidParams, Op: "telemetry.Add", Msg: "duplicate node name"}
	}
	r.nodes = append(r.nodes, n)
	r.byID[n.ID] = n
	r.byName[n.Name] = n
	return nil
}

func (r *Registry) Lookup(name string) (*Node, bool) {
	n, ok := r.byName[name]
	return n, ok
}

func (r *Registry) LookupID(id uint16) (*Node, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// Names lists all node names readable at the current role.
func (r *Registry) Names() []string {
	var out []string
	for _, n := range r.nodes {
		if n.Access&readBit(r.role) != 0 {
			out = append(out, n.Name)
		}
	}
	return out
}

// Read returns the value of a node, honoring the active access role.
func (r *Registry) Read(name string) (any, error) {
	n, ok := r.byName[name]
	if !ok {
		return nil, errcode.UnknownNode
	}
	if n.Access&readBit(r.role) == 0 {
		return nil, errcode.AccessDenied
	}
	if n.Fn != nil {
		return nil, errcode.Unsupported
	}
	return n.value(), nil
}

// Write sets the value of a node or executes a command node, honoring
// the active access role. Config writes trigger OnConfChanged.
func (r *Registry) Write(name string, v any) error {
	n, ok := r.byName[name]
	if !ok {
		return errcode.UnknownNode
	}
	if n.Access&writeBit(r.role) == 0 {
		return errcode.AccessDenied
	}
	if n.Fn != nil {
		return n.Fn()
	}
	if err := n.setValue(v); err != nil {
		return err
	}
	if n.Cat == CatConf && r.OnConfChanged != nil {
		r.OnConfChanged()
	}
	return nil
}

// Authenticate switches the active role if the password matches the
// expert or maker secret. An empty password drops back to user level.
func (r *Registry) Authenticate(password string) Role {
	switch {
	case password == "":
		r.role = RoleUser
	case r.MakerPassword != "" &&
		subtle.ConstantTimeCompare([]byte(password), []byte(r.MakerPassword)) == 1:
		r.role = RoleMaker
	case r.ExpertPassword != "" &&
		subtle.ConstantTimeCompare([]byte(password), []byte(r.ExpertPassword)) == 1:
		r.role = RoleExpert
	default:
		r.role = RoleUser
	}
	return r.role
}

// PersistedValues snapshots all nodes flagged for persistence, keyed by
// node ID, for the blob store.
func (r *Registry) PersistedValues() map[uint16]any {
	out := make(map[uint16]any)
	for _, n := range r.nodes {
		if n.Persist && n.Fn == nil {
			out[n.ID] = n.value()
		}
	}
	return out
}

// Restore writes loaded values back into their nodes. Unknown IDs are
// skipped: a stored blob may come from a firmware with more nodes.
func (r *Registry) Restore(values map[uint16]any) {
	for id, v := range values {
		n, ok := r.byID[id]
		if !ok || !n.Persist {
			continue
		}
		_ = n.setValue(v)
	}
}
