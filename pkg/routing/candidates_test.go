package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/model"
)

func byType(cs []Candidate) map[model.RouteType][]Candidate {
	out := make(map[model.RouteType][]Candidate)
	for _, c := range cs {
		out[c.Type] = append(out[c.Type], c)
	}
	return out
}

func TestGeneratePathLengths(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	src := node("src", model.RolePeer, london, 50)
	dst := node("dst", model.RolePeer, frankfurt, 50)
	relays := []model.Node{
		node("r1", model.RoleRelay, london, 95),
		node("r2", model.RoleRelay, frankfurt, 90),
	}

	got := g.Generate(src, dst, relays, false)
	require.NotEmpty(t, got)
	assert.Equal(t, model.RouteCentralized, got[len(got)-1].Type)

	s := NewScorer(DefaultConfig().Weights)
	want := map[model.RouteType]int{
		model.RouteDirect:      1,
		model.RouteRelay:       2,
		model.RouteMultiHop:    3,
		model.RouteCentralized: 2,
	}
	groups := byType(got)
	for typ, hops := range want {
		require.NotEmpty(t, groups[typ], "no %s candidate", typ)
		for _, c := range groups[typ] {
			r := s.Score(c)
			assert.Equal(t, hops, r.PathLength, "%s", typ)
			assert.Len(t, r.Path, hops+1)
		}
	}
	assert.Len(t, groups[model.RouteRelay], 2)
	assert.Len(t, groups[model.RouteMultiHop], 1)
}

func TestGenerateDirectEligibility(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	centralOnly := func(cs []Candidate) bool { return len(cs) == 1 && cs[0].Type == model.RouteCentralized }

	// Same region qualifies regardless of distance or loss.
	a := node("a", model.RolePeer, london, 50)
	b := node("b", model.RolePeer, singapore, 50)
	a.Region, b.Region = "global", "global"
	a.PacketLoss = 0.2
	assert.Equal(t, model.RouteDirect, g.Generate(a, b, nil, false)[0].Type)

	// Close but lossy does not.
	c := node("c", model.RolePeer, london, 50)
	d := node("d", model.RolePeer, frankfurt, 50)
	c.Region, d.Region = "uk", "de"
	d.PacketLoss = 0.03
	assert.True(t, centralOnly(g.Generate(c, d, nil, false)))

	// Far apart, different regions.
	e := node("e", model.RolePeer, london, 50)
	f := node("f", model.RolePeer, singapore, 50)
	assert.True(t, centralOnly(g.Generate(e, f, nil, false)))

	d.PacketLoss = 0.01
	assert.Equal(t, model.RouteDirect, g.Generate(c, d, nil, false)[0].Type)
}

func TestGenerateMultiHopRejectsBacktracking(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	src := node("src", model.RolePeer, london, 50)
	dst := node("dst", model.RolePeer, singapore, 50)
	relays := []model.Node{
		node("dxb", model.RoleRelay, dubai, 95),
		node("bom", model.RoleRelay, mumbai, 94),
		node("gru", model.RoleRelay, saoPaulo, 93),
	}

	groups := byType(g.Generate(src, dst, relays, false))
	require.Len(t, groups[model.RouteMultiHop], 1)
	mh := groups[model.RouteMultiHop][0]
	assert.Equal(t, "dxb", mh.Nodes[1].ID)
	assert.Equal(t, "bom", mh.Nodes[2].ID)
	assert.Len(t, groups[model.RouteRelay], 3)
}

func TestGenerateCandidateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleRelayCandidates = 3
	cfg.MultiHopCandidates = 4
	g := NewGenerator(cfg)

	src := node("src", model.RolePeer, london, 50)
	dst := node("dst", model.RolePeer, london, 50)
	var relays []model.Node
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"} {
		relays = append(relays, node(id, model.RoleRelay, london, 90))
	}
	relays = append(relays, src)

	groups := byType(g.Generate(src, dst, relays, false))
	assert.Len(t, groups[model.RouteRelay], 3)
	// 4 choose 2, all co-located so none backtracks.
	assert.Len(t, groups[model.RouteMultiHop], 6)
	for _, c := range groups[model.RouteRelay] {
		assert.NotEqual(t, "src", c.Nodes[1].ID)
	}
}

func TestGenerateRequireCompression(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	src := node("src", model.RolePeer, london, 50)
	dst := node("dst", model.RolePeer, frankfurt, 50)
	src.SupportsCompression = true
	dst.SupportsCompression = true
	plain := node("plain", model.RoleRelay, london, 95)
	capable := node("capable", model.RoleRelay, frankfurt, 95)
	capable.SupportsCompression = true

	groups := byType(g.Generate(src, dst, []model.Node{plain, capable}, true))
	assert.Len(t, groups[model.RouteDirect], 1)
	require.Len(t, groups[model.RouteRelay], 1)
	assert.Equal(t, "capable", groups[model.RouteRelay][0].Nodes[1].ID)
	assert.Empty(t, groups[model.RouteMultiHop])
	assert.Len(t, groups[model.RouteCentralized], 1)

	dst.SupportsCompression = false
	got := g.Generate(src, dst, []model.Node{capable}, true)
	require.Len(t, got, 1)
	assert.Equal(t, model.RouteCentralized, got[0].Type)
}
