package flow

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
)

var defaultParams = Params{Width: 6, EdgeDomains: 1}

var cmpAddr = cmpopts.EquateComparable(netip.Addr{})

func dsts(rules []fabric.FlowRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, fmt.Sprintf("%s->%d@%d", r.Match.IPv4Dst, r.OutPort, r.Priority))
	}
	return out
}

func TestCompileClientEdge(t *testing.T) {
	role := switchid.Classify(switchid.MakeID(1, 1, 1))
	require.Equal(t, switchid.ClientEdge, role.Kind)

	rules := Compile(role, defaultParams)

	want := []string{
		"10.1.1.2->1@10", "10.1.1.3->2@10", "10.1.1.4->3@10",
		"10.1.1.5->4@10", "10.1.1.6->5@10", "10.1.1.7->6@10",
		"10.2.1.2->7@10", "10.2.1.3->7@10", "10.2.1.4->7@10",
		"10.2.1.5->7@10", "10.2.1.6->7@10", "10.2.1.7->7@10",
	}
	require.Equal(t, want, dsts(rules))

	for _, r := range rules {
		require.Equal(t, layers.EthernetTypeIPv4, r.Match.EtherType)
		require.Equal(t, PriorityDefault, r.Priority)
	}
}

func TestCompileServerEdge(t *testing.T) {
	rules := Compile(switchid.Role{Kind: switchid.ServerEdge}, Params{Width: 2, EdgeDomains: 2})

	want := []string{
		"10.2.1.2->1@100", "10.2.1.3->2@100",
		"10.1.1.2->3@10", "10.1.1.3->3@10",
		"10.1.2.2->3@10", "10.1.2.3->3@10",
	}
	require.Equal(t, want, dsts(rules))
}

func TestCompileMiddle(t *testing.T) {
	rules := Compile(switchid.Role{Kind: switchid.Middle, Column: 3}, Params{Width: 2, EdgeDomains: 2})

	want := []string{
		"10.1.1.2->1@10", "10.1.1.3->1@10",
		"10.1.2.2->1@10", "10.1.2.3->1@10",
		"10.2.1.2->2@10", "10.2.1.3->2@10",
		"10.2.2.2->2@10", "10.2.2.3->2@10",
	}
	require.Equal(t, want, dsts(rules))
}

func TestCompileUnclassified(t *testing.T) {
	require.Empty(t, Compile(switchid.Role{Kind: switchid.Unclassified}, defaultParams))
}

func TestCompileAlternate(t *testing.T) {
	rules := CompileAlternate(defaultParams)
	require.Len(t, rules, 6)

	seen := map[netip.Addr]struct{}{}
	for idx, r := range rules {
		require.Equal(t, PriorityOverride, r.Priority)
		require.Equal(t, fabric.PortNo(idx+1), r.OutPort)
		require.Equal(t, netip.AddrFrom4([4]byte{10, 2, 1, byte(idx + 2)}), r.Match.IPv4Dst)
		seen[r.Match.IPv4Dst] = struct{}{}
	}
	require.Len(t, seen, 6)
}

func TestCompileCounts(t *testing.T) {
	for _, params := range []Params{
		{Width: 1, EdgeDomains: 1},
		{Width: 6, EdgeDomains: 1},
		{Width: 4, EdgeDomains: 3},
		{Width: 253, EdgeDomains: 2},
	} {
		t.Run(fmt.Sprintf("k=%d,ed=%d", params.Width, params.EdgeDomains), func(t *testing.T) {
			k, ed := params.Width, params.EdgeDomains

			require.Len(t, Compile(switchid.Role{Kind: switchid.Middle}, params), 2*ed*k)
			require.Len(t, Compile(switchid.Role{Kind: switchid.ClientEdge}, params), k+ed*k)
			require.Len(t, Compile(switchid.Role{Kind: switchid.ServerEdge}, params), k+ed*k)
			require.Len(t, CompileAlternate(params), k)
		})
	}
}

func TestCompileDeterministic(t *testing.T) {
	params := Params{Width: 5, EdgeDomains: 3}

	for _, kind := range []switchid.Kind{switchid.Middle, switchid.ClientEdge, switchid.ServerEdge} {
		a := Compile(switchid.Role{Kind: kind}, params)
		b := Compile(switchid.Role{Kind: kind}, params)
		if diff := cmp.Diff(a, b, cmpAddr); diff != "" {
			t.Fatalf("%s rules differ between calls (-first +second):\n%s", kind, diff)
		}
	}

	if diff := cmp.Diff(CompileAlternate(params), CompileAlternate(params), cmpAddr); diff != "" {
		t.Fatalf("alternate rules differ between calls (-first +second):\n%s", diff)
	}
}

func TestAlternateOutranksClientEdgeUplink(t *testing.T) {
	uplink := map[netip.Addr]fabric.FlowRule{}
	for _, r := range Compile(switchid.Role{Kind: switchid.ClientEdge}, defaultParams) {
		if r.OutPort == defaultParams.UplinkPort() {
			uplink[r.Match.IPv4Dst] = r
		}
	}

	for _, r := range CompileAlternate(defaultParams) {
		prev, ok := uplink[r.Match.IPv4Dst]
		require.True(t, ok, "alternate destination %s is not covered by the default set", r.Match.IPv4Dst)
		require.Greater(t, r.Priority, prev.Priority)
	}
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, defaultParams.Validate())
	require.NoError(t, Params{Width: 253, EdgeDomains: 254}.Validate())
	require.Error(t, Params{Width: 0, EdgeDomains: 1}.Validate())
	require.Error(t, Params{Width: 254, EdgeDomains: 1}.Validate())
	require.Error(t, Params{Width: 6, EdgeDomains: 0}.Validate())
	require.Error(t, Params{Width: 6, EdgeDomains: 255}.Validate())
}
