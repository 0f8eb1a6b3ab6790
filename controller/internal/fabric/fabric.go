// Package fabric contains the types shared between the controller, its
// decision components and the switch transport.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket/layers"
)

// ErrSwitchClosed is returned by Switch methods after the underlying
// connection has gone away.
var ErrSwitchClosed = errors.New("switch connection is closed")

// DatapathID is the 64-bit identifier a switch announces during the
// handshake.
//
// The low 3 bytes encode the switch position in the fabric, see the switchid
// package.
type DatapathID uint64

func (m DatapathID) String() string {
	return fmt.Sprintf("%016x", uint64(m))
}

// PortNo is a switch port number.
type PortNo uint32

const (
	// PortMax is the largest number a physical port can have.
	PortMax PortNo = 0xffffff00
	// PortController is the logical port leading to the controller.
	PortController PortNo = 0xfffffffd
	// PortLocal is the switch-local (loopback) port.
	PortLocal PortNo = 0xfffffffe
	// PortAny is the wildcard used to address all ports at once.
	PortAny PortNo = 0xffffffff
)

// Match selects IPv4 packets by destination address.
type Match struct {
	EtherType layers.EthernetType
	IPv4Dst   netip.Addr
}

// FlowRule is a single forwarding entry: packets matching Match are sent to
// OutPort. Higher Priority wins when several entries match.
type FlowRule struct {
	Priority uint16
	Match    Match
	OutPort  PortNo
}

func (m FlowRule) String() string {
	return fmt.Sprintf("priority=%d,eth_type=0x%04x,ipv4_dst=%s,output=%d",
		m.Priority, uint16(m.Match.EtherType), m.Match.IPv4Dst, m.OutPort)
}

// PortStats is a single port counters snapshot.
//
// Counters are cumulative since the switch started.
type PortStats struct {
	PortNo  PortNo
	RxBytes uint64
	TxBytes uint64
}

// TotalBytes returns the sum of transmitted and received bytes.
func (m PortStats) TotalBytes() uint64 {
	return m.TxBytes + m.RxBytes
}

// Switch is a handle to a live switch connection.
//
// Both methods only send a command and never wait for the switch to answer.
type Switch interface {
	// ID returns the datapath ID announced by the switch.
	ID() DatapathID
	// RequestPortStats asks the switch to report counters of the given port.
	// Replies arrive asynchronously through EventHandler.OnPortStatsReply.
	RequestPortStats(ctx context.Context, port PortNo) error
	// InstallFlow adds a forwarding rule to the switch table.
	InstallFlow(ctx context.Context, rule FlowRule) error
}

// EventHandler receives switch lifecycle and statistics events from the
// transport.
//
// Methods may be called concurrently from different switch sessions.
type EventHandler interface {
	// OnSwitchConnected is called once the switch completes its handshake.
	// Returning an error makes the transport drop the connection.
	OnSwitchConnected(ctx context.Context, sw Switch) error
	// OnSwitchDisconnected is called after the connection is lost.
	OnSwitchDisconnected(sw Switch)
	// OnPortStatsReply is called for every port statistics reply.
	OnPortStatsReply(ctx context.Context, sw Switch, stats []PortStats)
}
