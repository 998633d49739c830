package marketdata

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMonthEnd(t *testing.T) {
	assert.Equal(t, date(2024, 2, 29), MonthEnd(date(2024, 2, 10))) // leap year
	assert.Equal(t, date(2023, 2, 28), MonthEnd(date(2023, 2, 1)))
	assert.Equal(t, date(2023, 12, 31), MonthEnd(date(2023, 12, 31)))
}

func TestResampleMonthEnd(t *testing.T) {
	s := Series{
		Name: "AAPL",
		Dates: []time.Time{
			date(2023, 1, 3), date(2023, 1, 17), date(2023, 1, 31),
			date(2023, 2, 1), date(2023, 2, 27),
		},
		Values: []float64{100, 101, 102, 103, 104},
	}

	monthly := ResampleMonthEnd(s)
	require.Equal(t, 2, monthly.Len())
	assert.Equal(t, date(2023, 1, 31), monthly.Dates[0])
	assert.Equal(t, 102.0, monthly.Values[0])
	assert.Equal(t, date(2023, 2, 28), monthly.Dates[1])
	assert.Equal(t, 104.0, monthly.Values[1])
}

func TestAlignSeries_UnionWithNaN(t *testing.T) {
	a := Series{Name: "A", Dates: []time.Time{date(2023, 1, 31), date(2023, 2, 28)}, Values: []float64{1, 2}}
	b := Series{Name: "B", Dates: []time.Time{date(2023, 2, 28), date(2023, 3, 31)}, Values: []float64{3, 4}}

	f := AlignSeries(a, b)
	require.Equal(t, 3, f.NumRows())
	require.Equal(t, []string{"A", "B"}, f.Columns)

	// NaNs are retained, not dropped.
	assert.Equal(t, 1.0, f.Data[0][0])
	assert.True(t, math.IsNaN(f.Data[1][0]))
	assert.Equal(t, 2.0, f.Data[0][1])
	assert.Equal(t, 3.0, f.Data[1][1])
	assert.True(t, math.IsNaN(f.Data[0][2]))
	assert.Equal(t, 4.0, f.Data[1][2])

	// DropNaNRows keeps only the common row.
	common := f.DropNaNRows()
	require.Equal(t, 1, common.NumRows())
	assert.Equal(t, date(2023, 2, 28), common.Dates[0])
}

func TestSeries_Window(t *testing.T) {
	s := Series{
		Name:   "A",
		Dates:  []time.Time{date(2023, 1, 31), date(2023, 2, 28), date(2023, 3, 31)},
		Values: []float64{1, 2, 3},
	}
	w := s.Window(date(2023, 2, 1), date(2023, 3, 31))
	require.Equal(t, 2, w.Len())
	assert.Equal(t, []float64{2, 3}, w.Values)
}

func TestSeries_LastValid(t *testing.T) {
	s := Series{
		Name:   "A",
		Dates:  []time.Time{date(2023, 1, 31), date(2023, 2, 28)},
		Values: []float64{5, math.NaN()},
	}
	d, v, ok := s.LastValid()
	require.True(t, ok)
	assert.Equal(t, date(2023, 1, 31), d)
	assert.Equal(t, 5.0, v)
}

func TestFrame_Select_MissingColumnIsNaN(t *testing.T) {
	a := Series{Name: "A", Dates: []time.Time{date(2023, 1, 31)}, Values: []float64{1}}
	f := AlignSeries(a).Select([]string{"A", "B"})
	require.Equal(t, []string{"A", "B"}, f.Columns)
	assert.Equal(t, 1.0, f.Data[0][0])
	assert.True(t, math.IsNaN(f.Data[1][0]))
}
