package columns

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-synth/pkg/models"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	secondsPerDay  = 24 * 60 * 60
)

var fixedPointScale = decimal.NewFromInt(models.FixedPointScale)

// Codec maps literals of one column type onto the int64 domain used by row
// vectors and parameters. Encoded values preserve ordering, and one encoded
// unit is the smallest step between two representable values.
type Codec struct {
	typ models.ColumnType
	// dict is the sorted distinct dictionary of a VARCHAR column.
	dict []string
}

// NewCodec creates a codec. dict is only used for VARCHAR columns and is
// sorted and de-duplicated here.
func NewCodec(typ models.ColumnType, dict []string) *Codec {
	c := &Codec{typ: typ}
	if typ == models.ColumnTypeVarchar {
		d := append([]string(nil), dict...)
		sort.Strings(d)
		c.dict = dedupStrings(d)
	}
	return c
}

// Type returns the column type.
func (c *Codec) Type() models.ColumnType { return c.typ }

// Encode converts a literal to its encoded form.
func (c *Codec) Encode(lit string) (int64, error) {
	lit = strings.TrimSpace(lit)
	switch c.typ {
	case models.ColumnTypeInteger:
		v, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("integer literal %q: %w", lit, err)
		}
		return v, nil
	case models.ColumnTypeDecimal:
		d, err := decimal.NewFromString(lit)
		if err != nil {
			return 0, fmt.Errorf("decimal literal %q: %w", lit, err)
		}
		return d.Mul(fixedPointScale).Round(0).IntPart(), nil
	case models.ColumnTypeDate:
		t, err := time.Parse(dateLayout, lit)
		if err != nil {
			return 0, fmt.Errorf("date literal %q: %w", lit, err)
		}
		return floorDiv(t.Unix(), secondsPerDay), nil
	case models.ColumnTypeDateTime:
		t, err := time.Parse(dateTimeLayout, lit)
		if err != nil {
			t, err = time.Parse(time.RFC3339, lit)
		}
		if err != nil {
			return 0, fmt.Errorf("datetime literal %q: %w", lit, err)
		}
		return t.Unix(), nil
	case models.ColumnTypeVarchar:
		i := sort.SearchStrings(c.dict, lit)
		if i == len(c.dict) || c.dict[i] != lit {
			return 0, fmt.Errorf("varchar literal %q is not in the column dictionary", lit)
		}
		return int64(i), nil
	case models.ColumnTypeBool:
		switch strings.ToLower(lit) {
		case "true", "t", "1":
			return 1, nil
		case "false", "f", "0":
			return 0, nil
		}
		return 0, fmt.Errorf("bool literal %q", lit)
	}
	return 0, fmt.Errorf("unsupported column type %q", c.typ)
}

// Decode renders an encoded value as a literal. VARCHAR values outside the
// dictionary render as strings sorting just before the first or just after
// the last entry.
func (c *Codec) Decode(v int64) string {
	switch c.typ {
	case models.ColumnTypeDecimal:
		return decimal.New(v, 0).Div(fixedPointScale).String()
	case models.ColumnTypeDate:
		return time.Unix(v*secondsPerDay, 0).UTC().Format(dateLayout)
	case models.ColumnTypeDateTime:
		return time.Unix(v, 0).UTC().Format(dateTimeLayout)
	case models.ColumnTypeVarchar:
		switch {
		case len(c.dict) == 0 || v < 0:
			return ""
		case v >= int64(len(c.dict)):
			return c.dict[len(c.dict)-1] + "~"
		}
		return c.dict[v]
	case models.ColumnTypeBool:
		if v != 0 {
			return "true"
		}
		return "false"
	}
	return strconv.FormatInt(v, 10)
}

// Float returns the numeric meaning of an encoded value for arithmetic.
func (c *Codec) Float(v int64) float64 {
	if c.typ == models.ColumnTypeDecimal {
		return float64(v) / models.FixedPointScale
	}
	return float64(v)
}

// Dictionary returns the VARCHAR dictionary.
func (c *Codec) Dictionary() []string { return c.dict }

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func dedupStrings(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
