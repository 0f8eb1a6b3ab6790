// Package flow compiles the forwarding rules each switch role needs.
//
// Hosts are addressed as 10.<side>.<domain>.<host>, where side 1 is the client
// side and side 2 is the server side of the fabric, domain starts at 1 and
// host starts at 2. Host h of an edge switch is attached to port h+1; the
// uplink towards the middle layer is port Width+1.
package flow

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket/layers"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
)

const (
	// PriorityDefault is used for uplink catch-all rules.
	PriorityDefault uint16 = 10
	// PriorityOverride is used for directly attached hosts and for the
	// alternate path installed on congestion.
	PriorityOverride uint16 = 100
)

const (
	sideClient = 1
	sideServer = 2
)

// Params describes the fabric size.
type Params struct {
	// Width is the number of hosts attached to each edge switch.
	Width int
	// EdgeDomains is the number of server-side edge domains.
	EdgeDomains int
}

// Validate checks that every generated address and port fits its field.
func (m Params) Validate() error {
	if m.Width < 1 || m.Width > 253 {
		return fmt.Errorf("fabric width must be in [1, 253], got %d", m.Width)
	}
	if m.EdgeDomains < 1 || m.EdgeDomains > 254 {
		return fmt.Errorf("number of edge domains must be in [1, 254], got %d", m.EdgeDomains)
	}
	return nil
}

// UplinkPort returns the edge switch port leading to the middle layer.
func (m Params) UplinkPort() fabric.PortNo {
	return fabric.PortNo(m.Width + 1)
}

// Compile returns the default rule set for a switch of the given role.
//
// The result is deterministic. Unclassified switches get no rules.
func Compile(role switchid.Role, params Params) []fabric.FlowRule {
	switch role.Kind {
	case switchid.Middle:
		return compileMiddle(params)
	case switchid.ClientEdge:
		return compileEdge(params, sideClient, sideServer, PriorityDefault)
	case switchid.ServerEdge:
		return compileEdge(params, sideServer, sideClient, PriorityOverride)
	default:
		return nil
	}
}

// CompileAlternate returns the rule set installed on the client edge switch
// once congestion is detected.
//
// Rules are narrower than the default client edge ones and outrank them, so
// nothing has to be deleted first.
func CompileAlternate(params Params) []fabric.FlowRule {
	rules := make([]fabric.FlowRule, 0, params.Width)
	for h := range params.Width {
		rules = append(rules, rule(PriorityOverride, hostAddr(sideServer, 0, h), fabric.PortNo(h+1)))
	}
	return rules
}

// compileMiddle sends traffic for each side to the port of the same number.
func compileMiddle(params Params) []fabric.FlowRule {
	rules := make([]fabric.FlowRule, 0, 2*params.EdgeDomains*params.Width)
	for _, side := range []int{sideClient, sideServer} {
		for e := range params.EdgeDomains {
			for h := range params.Width {
				rules = append(rules, rule(PriorityDefault, hostAddr(side, e, h), fabric.PortNo(side)))
			}
		}
	}
	return rules
}

// compileEdge emits rules for locally attached hosts of the local side
// followed by uplink rules for every host of the remote side.
func compileEdge(params Params, local int, remote int, localPriority uint16) []fabric.FlowRule {
	rules := make([]fabric.FlowRule, 0, params.Width+params.EdgeDomains*params.Width)
	for h := range params.Width {
		rules = append(rules, rule(localPriority, hostAddr(local, 0, h), fabric.PortNo(h+1)))
	}

	uplink := params.UplinkPort()
	for e := range params.EdgeDomains {
		for h := range params.Width {
			rules = append(rules, rule(PriorityDefault, hostAddr(remote, e, h), uplink))
		}
	}
	return rules
}

func rule(priority uint16, dst netip.Addr, port fabric.PortNo) fabric.FlowRule {
	return fabric.FlowRule{
		Priority: priority,
		Match: fabric.Match{
			EtherType: layers.EthernetTypeIPv4,
			IPv4Dst:   dst,
		},
		OutPort: port,
	}
}

// hostAddr returns the address of host h in edge domain e of the given side,
// both indices starting at zero.
func hostAddr(side int, e int, h int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(side), byte(e + 1), byte(h + 2)})
}
