// Package switchid derives the switch role from its datapath ID.
//
// The fabric provisioning assigns datapath IDs whose three lowest bytes
// (b1, b2, b3, most significant first) encode the switch position:
//
//	b1 == 2           middle (spine) switch, column b2, row b3
//	b1 == 1, b2 == 1  client-side edge switch
//	b1 == 1, b2 == 2  server-side edge switch
//
// Any other combination is unclassified.
package switchid

import (
	"fmt"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

// Kind is the functional position of a switch in the fabric.
type Kind uint8

const (
	Unclassified Kind = iota
	Middle
	ClientEdge
	ServerEdge
)

func (m Kind) String() string {
	switch m {
	case Middle:
		return "middle"
	case ClientEdge:
		return "client-edge"
	case ServerEdge:
		return "server-edge"
	default:
		return "unclassified"
	}
}

// Role is the classified switch role together with its coordinates.
//
// For middle switches Column and Row are set. For edge switches Pod and Index
// are set.
type Role struct {
	Kind   Kind
	Column uint8
	Row    uint8
	Pod    uint8
	Index  uint8
}

func (m Role) String() string {
	switch m.Kind {
	case Middle:
		return fmt.Sprintf("%s(%d,%d)", m.Kind, m.Column, m.Row)
	case ClientEdge, ServerEdge:
		return fmt.Sprintf("%s(%d,%d)", m.Kind, m.Pod, m.Index)
	default:
		return m.Kind.String()
	}
}

// Classify returns the role encoded in the given datapath ID.
//
// It never fails: IDs that do not follow the naming convention yield a role
// of Unclassified kind.
func Classify(id fabric.DatapathID) Role {
	b1 := uint8(id >> 16)
	b2 := uint8(id >> 8)
	b3 := uint8(id)

	switch {
	case b1 == 2:
		return Role{Kind: Middle, Column: b2, Row: b3}
	case b1 == 1 && b2 == 1:
		return Role{Kind: ClientEdge, Pod: b1, Index: b2}
	case b1 == 1 && b2 == 2:
		return Role{Kind: ServerEdge, Pod: b1, Index: b2}
	default:
		return Role{Kind: Unclassified}
	}
}

// MakeID builds a datapath ID from its position bytes.
func MakeID(b1, b2, b3 uint8) fabric.DatapathID {
	return fabric.DatapathID(uint64(b1)<<16 | uint64(b2)<<8 | uint64(b3))
}
