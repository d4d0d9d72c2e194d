package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Clone_Independent(t *testing.T) {
	orig := State{"brightness": Float(70), "power": Bool(true)}
	clone := orig.Clone()

	clone["brightness"] = Float(30)

	assert.Equal(t, Float(70), orig["brightness"], "clone mutation must not leak into original")
	assert.Equal(t, Float(30), clone["brightness"])
}

func TestState_Equal(t *testing.T) {
	a := State{"temp": Float(21.5), "mode": String("heat")}
	b := State{"mode": String("heat"), "temp": Float(21.5)}
	c := State{"temp": Float(21.5), "mode": String("cool")}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(State{"temp": Float(21.5)}))
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	s := State{
		"zeta":       Float(0.5),
		"alpha":      Int(3),
		"power":      Bool(false),
		"mode":       String("eco"),
	}

	first, err := MarshalCanonical(s)
	require.NoError(t, err)
	second, err := MarshalCanonical(s)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, `{"alpha":3,"mode":"eco","power":false,"zeta":0.5}`, string(first))
}

func TestMarshalCanonical_NFCNormalization(t *testing.T) {
	// "é" composed (U+00E9) vs decomposed (e + U+0301) must encode identically.
	composed := State{"café": String("x")}
	decomposed := State{"café": String("x")}

	a, err := MarshalCanonical(composed)
	require.NoError(t, err)
	b, err := MarshalCanonical(decomposed)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCheckpoint_MatchesOnEqualStates(t *testing.T) {
	a := State{"brightness": Float(30), "power": Bool(true)}
	b := State{"power": Bool(true), "brightness": Float(30)}

	ha, err := Checkpoint(a)
	require.NoError(t, err)
	hb, err := Checkpoint(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)

	b["brightness"] = Float(30.0001)
	hc, err := Checkpoint(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestCheckpoint_RejectsNonFinite(t *testing.T) {
	nan := 0.0
	nan = nan / nan // NaN without importing math

	_, err := Checkpoint(State{"x": Float(nan)})
	require.Error(t, err)
}

func TestAsFloat(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want float64
		ok   bool
	}{
		{"float", Float(2.5), 2.5, true},
		{"int", Int(7), 7, true},
		{"bool true", Bool(true), 1, true},
		{"bool false", Bool(false), 0, true},
		{"string has no metric", String("heat"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(42.0)
	require.NoError(t, err)
	assert.Equal(t, Float(42), v)

	v, err = FromAny("eco")
	require.NoError(t, err)
	assert.Equal(t, String("eco"), v)

	_, err = FromAny([]int{1, 2})
	require.Error(t, err)
}
