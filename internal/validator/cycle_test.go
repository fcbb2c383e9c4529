package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCycles(t *testing.T) {
	tests := []struct {
		name  string
		graph string
		want  [][]string
	}{
		{
			name:  "dag",
			graph: `{"steps": [{"id": "a"}, {"id": "b", "requires": ["a"]}, {"id": "c"}], "edges": [{"from": "b", "to": "c"}]}`,
			want:  nil,
		},
		{
			name:  "edge loop",
			graph: `{"steps": [{"id": "a"}, {"id": "b"}], "edges": [{"from": "b", "to": "a"}, {"from": "a", "to": "b"}]}`,
			want:  [][]string{{"a", "b", "a"}},
		},
		{
			name:  "requires loop",
			graph: `{"steps": [{"id": "a", "requires": ["b"]}, {"id": "b", "requires": ["a"]}]}`,
			want:  [][]string{{"a", "b", "a"}},
		},
		{
			name:  "self loop",
			graph: `{"steps": [{"id": "a"}, {"id": "c"}], "edges": [{"from": "c", "to": "c"}]}`,
			want:  [][]string{{"c", "c"}},
		},
		{
			name: "shortest loop through earliest step",
			graph: `{"steps": [{"id": "a"}, {"id": "b"}, {"id": "c"}, {"id": "d"}],
				"edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "c"}, {"from": "c", "to": "b"},
				          {"from": "b", "to": "d"}, {"from": "d", "to": "a"}]}`,
			want: [][]string{{"a", "b", "d", "a"}},
		},
		{
			name: "separate loops in step order",
			graph: `{"steps": [{"id": "x"}, {"id": "y"}, {"id": "p"}, {"id": "q"}],
				"edges": [{"from": "q", "to": "p"}, {"from": "p", "to": "q"}, {"from": "x", "to": "y"}, {"from": "y", "to": "x"}]}`,
			want: [][]string{{"x", "y", "x"}, {"p", "q", "p"}},
		},
		{
			name:  "unknown steps ignored",
			graph: `{"steps": [{"id": "a"}], "edges": [{"from": "a", "to": "ghost"}, {"from": "ghost", "to": "a"}]}`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cycles(mustGraph(t, tt.graph)))
		})
	}
}

func TestCyclesAreNotIssues(t *testing.T) {
	g := mustGraph(t, `{"steps": [{"id": "a"}, {"id": "b"}], "edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "a"}]}`)
	assert.Empty(t, Validate(g))
	assert.Len(t, Cycles(g), 1)
}
