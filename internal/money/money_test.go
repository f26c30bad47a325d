package money

import "testing"

import "github.com/stretchr/testify/assert"

func TestNewAndString(t *testing.T) {
	m, err := New("12.5")
	assert.NoError(t, err)
	assert.Equal(t, "12.50000000", m.String())
}

func TestAddSub(t *testing.T) {
	a := MustNew("100")
	b := MustNew("37.25")
	assert.Equal(t, "137.25000000", a.Add(b).String())
	assert.Equal(t, "62.75000000", a.Sub(b).String())
}

func TestCmpHelpers(t *testing.T) {
	a := MustNew("10")
	b := MustNew("20")
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(MustNew("10.00000000")))
}

func TestNegativeRejectedBySign(t *testing.T) {
	m := MustNew("-5")
	assert.True(t, m.IsNegative())
}

func TestRoundingBeyondScale(t *testing.T) {
	m := MustNew("1.123456789")
	assert.Equal(t, "1.12345679", m.String())
}

func TestJSONRoundTrip(t *testing.T) {
	m := MustNew("42.1")
	b, err := m.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"42.10000000"`, string(b))

	var out Money
	assert.NoError(t, out.UnmarshalJSON(b))
	assert.True(t, out.Equal(m))
}

func TestInvalidAmount(t *testing.T) {
	_, err := New("not-a-number")
	assert.Error(t, err)
}
