package catalogcsv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCountsInvalidRows(t *testing.T) {
	input := strings.Join([]string{
		"name,code,sale_price,tax_rate,stock_on_hand,expiry_date",
		"Paracetamol 500mg,3400930000011,2.50,0,120,2027-03-01",
		",3400930000028,3.80,0,10,",
		"Vitamin C,3400930000066,\"3,48\",16,,",
		"Bad price,3400930000073,abc,0,1,",
		"Bad date,3400930000080,1,0,1,03/2027",
	}, "\n")

	meds, result, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, meds, 2)
	assert.Equal(t, 3, result.Invalid)
	assert.Len(t, result.Errors, 3)

	assert.Equal(t, "3400930000011", meds[0].Code)
	assert.Equal(t, 120, meds[0].StockOnHand)
	assert.Equal(t, 10, meds[0].StockMinimum)
	require.NotNil(t, meds[0].ExpiryDate)
	assert.True(t, meds[1].SalePrice.Equal(decimal.RequireFromString("3.48")))
	assert.True(t, meds[1].TaxRate.Equal(decimal.NewFromInt(16)))
}

func TestParseRequiresCodeAndName(t *testing.T) {
	_, _, err := Parse(strings.NewReader("name,price\nA,1\n"))
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestExportThenParseKeepsCatalog(t *testing.T) {
	meds, _, err := Parse(strings.NewReader("code,name,sale_price,stock_on_hand\nX1,Saline,0.35,40\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, meds))
	assert.True(t, strings.HasPrefix(buf.String(), strings.Join(Columns, ",")+"\n"))

	again, result, err := Parse(&buf)
	require.NoError(t, err)
	assert.Zero(t, result.Invalid)
	require.Len(t, again, 1)
	assert.Equal(t, 40, again[0].StockOnHand)
	assert.True(t, again[0].SalePrice.Equal(decimal.RequireFromString("0.35")))
}
