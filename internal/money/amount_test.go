package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	a, err := Parse("6500")
	require.NoError(t, err)
	assert.Equal(t, "6500", a.String())
}

func TestParseNegativeRejected(t *testing.T) {
	_, err := Parse("-5")
	assert.ErrorIs(t, err, ErrNegative)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-number")
	assert.Error(t, err)
}

func TestAddSub(t *testing.T) {
	a := FromInt64(2000)
	b := FromInt64(3000)
	assert.Equal(t, "5000", a.Add(b).String())

	c, err := a.SubChecked(b)
	assert.ErrorIs(t, err, ErrNegative)
	assert.True(t, c.IsZero())

	d, err := b.SubChecked(a)
	require.NoError(t, err)
	assert.Equal(t, "1000", d.String())
}

func TestSum(t *testing.T) {
	total := Sum(FromInt64(2000), FromInt64(3000), FromInt64(1500))
	assert.Equal(t, "6500", total.String())
}

func TestMulRatPercent(t *testing.T) {
	fee := FromInt64(10000).MulRatPercent(5)
	assert.Equal(t, "500", fee.String())
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Amount Amount `json:"amount"`
	}
	in := wrapper{Amount: FromInt64(123456)}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"123456"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 0, in.Amount.Cmp(out.Amount))
}

func TestCmpAndSign(t *testing.T) {
	assert.Equal(t, 1, FromInt64(10).Cmp(FromInt64(5)))
	assert.Equal(t, -1, FromInt64(5).Cmp(FromInt64(10)))
	assert.Equal(t, 0, Zero().Sign())
	assert.Equal(t, 1, FromInt64(5).Sign())
}
