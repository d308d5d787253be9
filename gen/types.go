package gen

import (
	"fmt"
	"strings"
)

// NodeID identifies one runtime instance in the cluster.
type NodeID struct {
	Name string
	Addr string
}

func (n NodeID) String() string {
	return n.Name + "@" + n.Addr
}

// Compare orders node identifiers by (Name, Addr). It returns -1, 0 or 1.
func (n NodeID) Compare(other NodeID) int {
	if c := strings.Compare(n.Name, other.Name); c != 0 {
		return c
	}
	return strings.Compare(n.Addr, other.Addr)
}

// Less reports whether n sorts before other.
func (n NodeID) Less(other NodeID) bool {
	return n.Compare(other) < 0
}

// IsZero returns true if the node identifier is not set
func (n NodeID) IsZero() bool {
	return n.Name == "" && n.Addr == ""
}

// ParseNodeID parses the "name@host:port" form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	i := strings.IndexByte(s, '@')
	if i < 1 || i == len(s)-1 {
		return NodeID{}, fmt.Errorf("%w: node id %q (expected name@host:port)", ErrMalformed, s)
	}
	return NodeID{Name: s[:i], Addr: s[i+1:]}, nil
}

// PID is a location transparent process address. Two PIDs are equal
// if all the fields are equal, so it can be used as a map key.
type PID struct {
	Name  string
	Group string // empty means no group
	Node  NodeID
}

func (p PID) String() string {
	if p.Group == "" {
		return p.Name + "::" + p.Node.String()
	}
	return p.Group + "::" + p.Name + "::" + p.Node.String()
}

// TimerID is a handle returned by Terminal.StartTimer. Identifiers are
// local to the owning process and start from 1.
type TimerID uint64

// CorrelationID tags request/reply traffic. Zero Connection or Request
// means the field is not set.
type CorrelationID struct {
	PID        PID
	Connection uint64
	Request    uint64
}

func (c CorrelationID) String() string {
	return fmt.Sprintf("%s#%d.%d", c.PID, c.Connection, c.Request)
}
