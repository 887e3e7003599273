package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.NotNil(t, g.nodes)
	assert.Empty(t, g.nodes)
}

func TestAddNode(t *testing.T) {
	g := New()

	g.AddNode("a")
	assert.Len(t, g.nodes, 1)
	nodeA, ok := g.nodes["a"]
	require.True(t, ok)
	assert.Equal(t, "a", nodeA.id)
	assert.NotNil(t, nodeA.deps)
	assert.NotNil(t, nodeA.dependents)

	g.AddNode("a") // Test idempotency
	assert.Len(t, g.nodes, 1)

	g.AddNode("b")
	assert.Len(t, g.nodes, 2)
	_, ok = g.nodes["b"]
	assert.True(t, ok)
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("a", "b") // b depends on a
		require.NoError(t, err)

		nodeA := g.nodes["a"]
		nodeB := g.nodes["b"]

		assert.Contains(t, nodeA.dependents, "b")
		assert.Equal(t, nodeB, nodeA.dependents["b"])
		assert.Contains(t, nodeB.deps, "a")
		assert.Equal(t, nodeA, nodeB.deps["a"])
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")

		err := g.AddEdge("dne", "a")
		assert.ErrorIs(t, err, ErrNodeNotFound)
		assert.ErrorContains(t, err, "source node not found")

		err = g.AddEdge("a", "dne")
		assert.ErrorContains(t, err, "destination node not found")

		err = g.AddEdge("a", "a")
		assert.ErrorIs(t, err, ErrSelfDependency)
	})
}

func TestDetectCycles(t *testing.T) {
	t.Run("empty graph has no cycles", func(t *testing.T) {
		g := New()
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("graph with nodes but no edges has no cycles", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("valid dag has no cycles", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		g.AddNode("d")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("a", "c")) // Transitive edge
		require.NoError(t, g.AddEdge("c", "d"))
		assert.NoError(t, g.DetectCycles())
	})

	t.Run("simple direct cycle is detected", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "a")) // Cycle
		err := g.DetectCycles()
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Path)
		assert.ErrorIs(t, err, ErrCycle)
	})

	t.Run("longer cycle is detected", func(t *testing.T) {
		g := New()
		g.AddNode("a")
		g.AddNode("b")
		g.AddNode("c")
		g.AddNode("d")
		require.NoError(t, g.AddEdge("a", "b"))
		require.NoError(t, g.AddEdge("b", "c"))
		require.NoError(t, g.AddEdge("c", "d"))
		require.NoError(t, g.AddEdge("d", "a")) // Cycle back to the start
		err := g.DetectCycles()
		assert.Error(t, err)
		assert.ErrorContains(t, err, "cycle detected")
	})

	t.Run("cycle in a disjoint component is detected", func(t *testing.T) {
		g := New()
		// Component 1 (valid)
		g.AddNode("a")
		g.AddNode("b")
		require.NoError(t, g.AddEdge("a", "b"))

		// Component 2 (has a cycle)
		g.AddNode("x")
		g.AddNode("y")
		g.AddNode("z")
		require.NoError(t, g.AddEdge("x", "y"))
		require.NoError(t, g.AddEdge("y", "z"))
		require.NoError(t, g.AddEdge("z", "y")) // Cycle

		err := g.DetectCycles()
		assert.ErrorIs(t, err, ErrCycle)
		assert.EqualError(t, err, "cycle detected: y -> z -> y")
	})
}

func TestBuild(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		g, err := Build([]Spec{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a", "b"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, g.Nodes())

		deps, err := g.Dependencies("c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, deps)

		dependents, err := g.Dependents("a")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, dependents)
	})

	t.Run("structural errors are reported together", func(t *testing.T) {
		_, err := Build([]Spec{
			{ID: "a", DependsOn: []string{"a"}},
			{ID: "b", DependsOn: []string{"ghost"}},
			{ID: "b"},
		})
		assert.ErrorIs(t, err, ErrSelfDependency)
		assert.ErrorIs(t, err, ErrUnknownDependency)
		assert.ErrorIs(t, err, ErrDuplicateNode)
		assert.NotErrorIs(t, err, ErrCycle)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := Build([]Spec{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		})
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Path)
	})
}

func TestLayers(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		want  [][]string
	}{
		{
			name:  "empty",
			specs: nil,
			want:  nil,
		},
		{
			name:  "independent",
			specs: []Spec{{ID: "b"}, {ID: "a"}},
			want:  [][]string{{"a", "b"}},
		},
		{
			name: "diamond",
			specs: []Spec{
				{ID: "top"},
				{ID: "left", DependsOn: []string{"top"}},
				{ID: "right", DependsOn: []string{"top"}},
				{ID: "bottom", DependsOn: []string{"left", "right"}},
			},
			want: [][]string{{"top"}, {"left", "right"}, {"bottom"}},
		},
		{
			name: "uneven depth",
			specs: []Spec{
				{ID: "a"},
				{ID: "b", DependsOn: []string{"a"}},
				{ID: "c", DependsOn: []string{"b"}},
				{ID: "d", DependsOn: []string{"a", "c"}},
				{ID: "e"},
			},
			want: [][]string{{"a", "e"}, {"b"}, {"c"}, {"d"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.specs)
			require.NoError(t, err)
			layers, err := g.Layers()
			require.NoError(t, err)
			assert.Equal(t, tt.want, layers)

			level := map[string]int{}
			for i, layer := range layers {
				for _, id := range layer {
					level[id] = i
				}
			}
			for _, s := range tt.specs {
				for _, dep := range s.DependsOn {
					assert.Less(t, level[dep], level[s.ID], "%s must precede %s", dep, s.ID)
				}
			}
		})
	}
}

func TestLayersRejectsCycle(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("b")
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "a"))

	_, err := g.Layers()
	assert.ErrorIs(t, err, ErrCycle)
}

func TestDescendants(t *testing.T) {
	g, err := Build([]Spec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "d"},
	})
	require.NoError(t, err)

	got, err := g.Descendants("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)

	got, err = g.Descendants("d")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = g.Descendants("zzz")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAncestors(t *testing.T) {
	g, err := Build([]Spec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b", "d"}},
		{ID: "d"},
		{ID: "e"},
	})
	require.NoError(t, err)

	got, err := g.Ancestors("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, got)

	got, err = g.Ancestors("a")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = g.Ancestors("zzz")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
