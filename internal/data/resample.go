package data

import (
	"time"

	"ktrdr/internal/errs"
)

// Resample aggregates base-granularity bars into a coarser timeframe.
//
// Buckets are market-hours aware: instead of aligning to the wall clock, each
// trading day's buckets are anchored at that day's first stored bar, so a
// session opening at 13:30Z produces 1h buckets at 13:30, 14:30, ... rather
// than 13:00, 14:00. Buckets never span trading days. Partial trailing buckets
// are emitted with the volume that actually traded.
func Resample(f *Frame, target string) (*Frame, error) {
	width, err := TimeframeDuration(target)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "resample target")
	}
	if f.Len() == 0 {
		return &Frame{}, nil
	}

	var out []Bar
	var cur *Bar
	var bucketEnd time.Time
	var anchorDay int

	for _, b := range f.Bars() {
		day := b.TS.Year()*1000 + b.TS.YearDay()
		if cur == nil || day != anchorDay || !b.TS.Before(bucketEnd) {
			if cur != nil {
				out = append(out, *cur)
			}
			anchorDay = day
			cur = &Bar{TS: b.TS, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			bucketEnd = b.TS.Add(width)
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	out = append(out, *cur)

	return NewFrame(out)
}
