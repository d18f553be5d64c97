package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ktrdr/internal/errs"
)

func validBars(n int) []Bar {
	bars := make([]Bar, n)
	base := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = Bar{TS: base.Add(time.Duration(i) * time.Hour), Open: c, High: c + 2, Low: c - 2, Close: c + 1, Volume: 1000}
	}
	return bars
}

func TestNewFrame_Valid(t *testing.T) {
	f, err := NewFrame(validBars(5))
	require.NoError(t, err)
	assert.Equal(t, 5, f.Len())

	span, ok := f.Span()
	require.True(t, ok)
	assert.Equal(t, f.Bar(0).TS, span.Start)
	assert.Equal(t, f.Bar(4).TS, span.End)
}

func TestNewFrame_RejectsNonUTC(t *testing.T) {
	bars := validBars(2)
	est := time.FixedZone("EST", -5*3600)
	bars[1].TS = bars[1].TS.In(est)

	_, err := NewFrame(bars)
	require.Error(t, err)
	assert.Equal(t, errs.TimezoneViolation, errs.CategoryOf(err))
}

func TestNewFrame_RejectsDuplicatesAndDisorder(t *testing.T) {
	dup := validBars(3)
	dup[2].TS = dup[1].TS
	_, err := NewFrame(dup)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.CategoryOf(err))

	rev := validBars(3)
	rev[0].TS, rev[2].TS = rev[2].TS, rev[0].TS
	_, err = NewFrame(rev)
	require.Error(t, err)
}

func TestNewFrame_RejectsOHLCViolations(t *testing.T) {
	badHigh := validBars(1)
	badHigh[0].High = badHigh[0].Close - 10
	_, err := NewFrame(badHigh)
	require.Error(t, err)

	badLow := validBars(1)
	badLow[0].Low = badLow[0].Open + 10
	_, err = NewFrame(badLow)
	require.Error(t, err)

	badVol := validBars(1)
	badVol[0].Volume = -1
	_, err = NewFrame(badVol)
	require.Error(t, err)
}

func TestFrame_SliceHalfOpen(t *testing.T) {
	f, err := NewFrame(validBars(10))
	require.NoError(t, err)

	start := f.Bar(2).TS
	end := f.Bar(7).TS
	sub := f.Slice(&Range{Start: start, End: end})
	assert.Equal(t, 5, sub.Len())
	assert.Equal(t, start, sub.Bar(0).TS)
	assert.True(t, sub.Bar(sub.Len()-1).TS.Before(end))

	assert.Equal(t, 10, f.Slice(nil).Len())
	assert.Equal(t, 8, f.Slice(&Range{Start: start}).Len())
	assert.Equal(t, 7, f.Slice(&Range{End: end}).Len())
}

func TestFrame_CloneIsIndependent(t *testing.T) {
	f, err := NewFrame(validBars(3))
	require.NoError(t, err)

	cp := f.Clone()
	cp.bars[0].Close = 999
	assert.NotEqual(t, 999.0, f.Bar(0).Close)
}

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"5m", 5 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"0m", 0, false},
		{"h", 0, false},
		{"1w", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := TimeframeDuration(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestResample_MarketHoursAnchoring(t *testing.T) {
	// Two trading days of 5m bars, sessions opening 13:30Z.
	var bars []Bar
	for day := 0; day < 2; day++ {
		open := time.Date(2024, 3, 4+day, 13, 30, 0, 0, time.UTC)
		for i := 0; i < 24; i++ { // two hours of 5m bars
			c := 100 + float64(day*24+i)
			bars = append(bars, Bar{TS: open.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10})
		}
	}
	f, err := NewFrame(bars)
	require.NoError(t, err)

	hourly, err := Resample(f, "1h")
	require.NoError(t, err)
	require.Equal(t, 4, hourly.Len())

	// Buckets anchor at the session open, not the clock hour.
	assert.Equal(t, time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC), hourly.Bar(0).TS)
	assert.Equal(t, time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), hourly.Bar(1).TS)
	assert.Equal(t, time.Date(2024, 3, 5, 13, 30, 0, 0, time.UTC), hourly.Bar(2).TS)

	// OHLCV aggregation over the first bucket (12 bars of 5m).
	assert.Equal(t, 100.0, hourly.Bar(0).Open)
	assert.Equal(t, 111.0, hourly.Bar(0).Close)
	assert.Equal(t, 112.0, hourly.Bar(0).High)
	assert.Equal(t, 99.0, hourly.Bar(0).Low)
	assert.Equal(t, 120.0, hourly.Bar(0).Volume)
}

func TestResample_NeverSpansDays(t *testing.T) {
	// A session with only 30 minutes of trailing bars still closes its
	// bucket at the day boundary.
	var bars []Bar
	open1 := time.Date(2024, 3, 4, 20, 30, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		c := 10 + float64(i)
		bars = append(bars, Bar{TS: open1.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1})
	}
	open2 := time.Date(2024, 3, 5, 13, 30, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		c := 20 + float64(i)
		bars = append(bars, Bar{TS: open2.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: 1})
	}
	f, err := NewFrame(bars)
	require.NoError(t, err)

	hourly, err := Resample(f, "1h")
	require.NoError(t, err)
	require.Equal(t, 2, hourly.Len())
	assert.Equal(t, open1, hourly.Bar(0).TS)
	assert.Equal(t, open2, hourly.Bar(1).TS)
	assert.Equal(t, 6.0, hourly.Bar(0).Volume)
}
