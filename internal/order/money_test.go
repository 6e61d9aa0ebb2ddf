package order

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUSDToBaseUnits(t *testing.T) {
	got, err := USDToBaseUnits(19.99)
	require.NoError(t, err)
	assert.Equal(t, "19990000", got)

	got, err = USDToBaseUnits(0.000001)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	_, err = USDToBaseUnits(math.NaN())
	assert.Error(t, err)
	_, err = USDToBaseUnits(math.Inf(1))
	assert.Error(t, err)
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	units, err := USDToBaseUnits(19.99)
	require.NoError(t, err)

	usd, err := BaseUnitsToUSD(units)
	require.NoError(t, err)
	assert.Equal(t, 19.99, usd)

	_, err = BaseUnitsToUSD("not-a-number")
	assert.Error(t, err)
}
