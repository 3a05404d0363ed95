package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBasicArithmetic(t *testing.T) {
	p := Parser{Max: 8}
	cases := []struct {
		expression string
		want       float64
	}{
		{"1+2", 3},
		{"2*3+4", 10},
		{"2*(3+4)", 14},
		{"10/4", 2.5},
		{"MAX", 8},
		{"MAX-1", 7},
		{"MAX/2", 4},
		{"min(1,2)", 1},
		{"max(1,2)", 2},
		{"min(MAX,3)", 3},
		{"max(1,min(3,MAX-1))", 3},
		{"-3+5", 2},
	}
	for _, c := range cases {
		t.Run(c.expression, func(t *testing.T) {
			got, err := p.Eval(c.expression)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvalRounded(t *testing.T) {
	p := Parser{Max: 5}
	got, err := p.EvalRounded("MAX/2")
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestEvalErrors(t *testing.T) {
	p := Parser{Max: 4}
	bad := []string{
		"1/0",
		"1+",
		"foo",
		"min()",
		"(1+2",
		"1 2",
	}
	for _, expression := range bad {
		t.Run(expression, func(t *testing.T) {
			_, err := p.Eval(expression)
			assert.Error(t, err)
		})
	}
}

func TestContainsMax(t *testing.T) {
	assert.True(t, ContainsMax("MAX-1"))
	assert.False(t, ContainsMax("8"))
	assert.False(t, ContainsMax("not valid ("))
}
