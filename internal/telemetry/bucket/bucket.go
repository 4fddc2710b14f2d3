// Package bucket implements epoch-aligned windowing and per-metric statistics.
//
// Stores that aggregate natively return Partial rows; the in-process path builds
// the same Partials with an Accumulator. Finalize turns either into Buckets, so
// both execution strategies share one inclusion and rounding rule.
package bucket

import (
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/apd/v3"

	"iot-dataflow/internal/telemetry/domain"
)

// DefaultWidth is the window width used when a caller does not provide one.
const DefaultWidth = 5 * time.Minute

// avgScale is the number of decimal places kept in reported averages.
const avgScale = 2

// Partial is the mergeable aggregate of one metric within one window.
type Partial struct {
	WindowStart time.Time
	Metric      string
	Count       int64
	Sum         apd.Decimal
	Min         float64
	Max         float64
}

// WindowStart returns floor(t / width) * width measured from the Unix epoch, in UTC.
func WindowStart(t time.Time, width time.Duration) time.Time {
	ns := t.UnixNano()
	w := int64(width)
	rem := ns % w
	if rem < 0 {
		rem += w
	}
	return time.Unix(0, ns-rem).UTC()
}

// ValidateWidth rejects non-positive widths.
func ValidateWidth(width time.Duration) error {
	if width <= 0 {
		return domain.NewValidationError("width", "must be a positive duration")
	}
	return nil
}

type partialKey struct {
	start  int64
	metric string
}

// Accumulator folds records into Partials for the half-open range [from, to).
type Accumulator struct {
	from     time.Time
	to       time.Time
	width    time.Duration
	partials map[partialKey]*Partial
}

// NewAccumulator returns an Accumulator for [from, to) with the given window width.
func NewAccumulator(from, to time.Time, width time.Duration) *Accumulator {
	return &Accumulator{
		from:     from,
		to:       to,
		width:    width,
		partials: make(map[partialKey]*Partial),
	}
}

// Add folds every numeric metric of r into its window. Records outside [from, to) are ignored.
func (a *Accumulator) Add(r domain.Record) error {
	if r.Time.Before(a.from) || !r.Time.Before(a.to) {
		return nil
	}
	start := WindowStart(r.Time, a.width)
	for metric := range r.Payload {
		v, ok := domain.Numeric(r.Payload, metric)
		if !ok {
			continue
		}
		if err := a.addValue(start, metric, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *Accumulator) addValue(start time.Time, metric string, v float64) error {
	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return fmt.Errorf("bucket: %s value %v: %w", metric, v, err)
	}
	k := partialKey{start: start.UnixNano(), metric: metric}
	p, ok := a.partials[k]
	if !ok {
		p = &Partial{WindowStart: start, Metric: metric, Min: v, Max: v}
		a.partials[k] = p
	}
	if _, err := decimalContext().Add(&p.Sum, &p.Sum, &d); err != nil {
		return fmt.Errorf("bucket: sum %s: %w", metric, err)
	}
	p.Count++
	if v < p.Min {
		p.Min = v
	}
	if v > p.Max {
		p.Max = v
	}
	return nil
}

// Partials returns the accumulated partials ordered by window start, then metric.
func (a *Accumulator) Partials() []Partial {
	out := make([]Partial, 0, len(a.partials))
	for _, p := range a.partials {
		cp := *p
		cp.Sum = apd.Decimal{}
		cp.Sum.Set(&p.Sum)
		out = append(out, cp)
	}
	sortPartials(out)
	return out
}

// Merge combines two partials for the same metric. Window start is taken from a.
func Merge(a, b Partial) (Partial, error) {
	out := Partial{
		WindowStart: a.WindowStart,
		Metric:      a.Metric,
		Count:       a.Count + b.Count,
		Min:         a.Min,
		Max:         a.Max,
	}
	if _, err := decimalContext().Add(&out.Sum, &a.Sum, &b.Sum); err != nil {
		return Partial{}, fmt.Errorf("bucket: merge %s: %w", a.Metric, err)
	}
	if a.Count == 0 || (b.Count > 0 && b.Min < out.Min) {
		out.Min = b.Min
	}
	if a.Count == 0 || (b.Count > 0 && b.Max > out.Max) {
		out.Max = b.Max
	}
	return out, nil
}

// Finalize groups partials into Buckets ordered by window start.
// Partials with zero count are dropped, and so is any window left without metrics.
func Finalize(partials []Partial, width time.Duration) ([]domain.Bucket, error) {
	merged := make(map[partialKey]Partial, len(partials))
	for _, p := range partials {
		if p.Count <= 0 {
			continue
		}
		k := partialKey{start: p.WindowStart.UnixNano(), metric: p.Metric}
		if prev, ok := merged[k]; ok {
			m, err := Merge(prev, p)
			if err != nil {
				return nil, err
			}
			merged[k] = m
			continue
		}
		merged[k] = p
	}

	byWindow := make(map[int64]*domain.Bucket)
	for k, p := range merged {
		stats, err := statsOf(p)
		if err != nil {
			return nil, err
		}
		b, ok := byWindow[k.start]
		if !ok {
			b = &domain.Bucket{
				WindowStart: p.WindowStart.UTC(),
				Width:       width,
				PerMetric:   make(map[string]domain.MetricStats),
			}
			byWindow[k.start] = b
		}
		b.PerMetric[p.Metric] = stats
	}

	out := make([]domain.Bucket, 0, len(byWindow))
	for _, b := range byWindow {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// Summarize merges every partial of metric into one DeviceStats. Count is zero and
// the value pointers are nil when no partial contributes.
func Summarize(partials []Partial, metric string) (domain.DeviceStats, error) {
	var total Partial
	for _, p := range partials {
		if p.Metric != metric || p.Count <= 0 {
			continue
		}
		m, err := Merge(total, p)
		if err != nil {
			return domain.DeviceStats{}, err
		}
		total = m
	}
	out := domain.DeviceStats{Metric: metric, Count: total.Count}
	if total.Count == 0 {
		return out, nil
	}
	stats, err := statsOf(total)
	if err != nil {
		return domain.DeviceStats{}, err
	}
	out.Avg = &stats.Avg
	out.Min = &stats.Min
	out.Max = &stats.Max
	return out, nil
}

func statsOf(p Partial) (domain.MetricStats, error) {
	avg, err := roundedMean(&p.Sum, p.Count)
	if err != nil {
		return domain.MetricStats{}, fmt.Errorf("bucket: avg %s: %w", p.Metric, err)
	}
	return domain.MetricStats{Count: p.Count, Avg: avg, Min: p.Min, Max: p.Max}, nil
}

// roundedMean divides at 34 digits and rounds half-up to avgScale places.
func roundedMean(sum *apd.Decimal, count int64) (float64, error) {
	ctx := decimalContext()
	var mean apd.Decimal
	if _, err := ctx.Quo(&mean, sum, apd.New(count, 0)); err != nil {
		return 0, err
	}
	ctx.Rounding = apd.RoundHalfUp
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, &mean, -avgScale); err != nil {
		return 0, err
	}
	return rounded.Float64()
}

func decimalContext() *apd.Context {
	return apd.BaseContext.WithPrecision(34)
}

func sortPartials(ps []Partial) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].WindowStart.Equal(ps[j].WindowStart) {
			return ps[i].WindowStart.Before(ps[j].WindowStart)
		}
		return ps[i].Metric < ps[j].Metric
	})
}

// SumFromString parses a store-computed decimal sum.
func SumFromString(s string) (apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return apd.Decimal{}, fmt.Errorf("bucket: parse sum %q: %w", s, err)
	}
	return *d, nil
}

// SumFromFloat converts a store-computed floating point sum.
func SumFromFloat(f float64) (apd.Decimal, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(f); err != nil {
		return apd.Decimal{}, fmt.Errorf("bucket: convert sum %v: %w", f, err)
	}
	return d, nil
}
