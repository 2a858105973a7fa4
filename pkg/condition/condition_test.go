package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiterals(t *testing.T) {
	result, err := Eval("true")
	require.NoError(t, err)
	assert.True(t, result)

	result, err = Eval(" false ")
	require.NoError(t, err)
	assert.False(t, result)
}

func TestNumericComparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"5 > 3", true},
		{"3 > 5", false},
		{"10 >= 10", true},
		{"2 <= 1", false},
		{"4 < 4.5", true},
		{"3 == 3.0", true},
		{"3 != 4", true},
	}
	for _, tc := range cases {
		result, err := Eval(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, result, tc.expr)
	}
}

func TestStringEquality(t *testing.T) {
	result, err := Eval("abc == abc")
	require.NoError(t, err)
	assert.True(t, result)

	result, err = Eval(`"abc" != "abd"`)
	require.NoError(t, err)
	assert.True(t, result)

	// Quoted numbers compare as strings.
	result, err = Eval(`"3" == "3"`)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestMixedStringNumberIsError(t *testing.T) {
	_, err := Eval("abc > 3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCondition)

	_, err = Eval("3 == abc")
	require.Error(t, err)
}

func TestStringOrderingIsError(t *testing.T) {
	_, err := Eval("abc < abd")
	require.Error(t, err)
}

func TestNoOperatorIsError(t *testing.T) {
	_, err := Eval("just words")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCondition)
}

func TestMissingOperandIsError(t *testing.T) {
	_, err := Eval("5 >")
	require.Error(t, err)
}
