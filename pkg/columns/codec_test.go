package columns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

func TestCodec_DecimalUsesFixedPoint(t *testing.T) {
	c := NewCodec(models.ColumnTypeDecimal, nil)
	v, err := c.Encode("12.5")
	require.NoError(t, err)
	assert.Equal(t, int64(125000), v)
	assert.Equal(t, "12.5", c.Decode(v))
	assert.InDelta(t, 12.5, c.Float(v), 1e-12)
	assert.Equal(t, "12.5001", c.Decode(v+1))
}

func TestCodec_DatePreservesOrder(t *testing.T) {
	c := NewCodec(models.ColumnTypeDate, nil)
	a, err := c.Encode("1969-12-31")
	require.NoError(t, err)
	b, err := c.Encode("1970-01-02")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), a)
	assert.Equal(t, int64(1), b)
	assert.Equal(t, "1970-01-01", c.Decode(0))
}

func TestCodec_DateTimeAcceptsBothLayouts(t *testing.T) {
	c := NewCodec(models.ColumnTypeDateTime, nil)
	a, err := c.Encode("2024-03-01 10:00:00")
	require.NoError(t, err)
	b, err := c.Encode("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "2024-03-01 10:00:00", c.Decode(a))
}

func TestCodec_VarcharDictionary(t *testing.T) {
	c := NewCodec(models.ColumnTypeVarchar, []string{"pear", "apple", "fig", "apple"})
	assert.Equal(t, []string{"apple", "fig", "pear"}, c.Dictionary())

	v, err := c.Encode("fig")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = c.Encode("kiwi")
	assert.Error(t, err)

	assert.Equal(t, "", c.Decode(-1))
	assert.Equal(t, "pear~", c.Decode(3))
	assert.Less(t, "pear", c.Decode(3))
}

func TestCodec_Bool(t *testing.T) {
	c := NewCodec(models.ColumnTypeBool, nil)
	v, err := c.Encode("TRUE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, "false", c.Decode(0))
	_, err = c.Encode("maybe")
	assert.Error(t, err)
}
