package metrics

import (
	"context"
	"slices"
	"strings"

	"github.com/prometheus/prometheus/prompb"
)

// Series builds one time series named name. The labels are copied and
// sorted, remote_write receivers reject unsorted label sets.
func Series(name string, labels []prompb.Label, samples []prompb.Sample) prompb.TimeSeries {
	ls := make([]prompb.Label, 0, len(labels)+1)
	ls = append(ls, prompb.Label{Name: "__name__", Value: name})
	ls = append(ls, labels...)
	slices.SortFunc(ls, func(a, b prompb.Label) int {
		return strings.Compare(a.Name, b.Name)
	})
	return prompb.TimeSeries{Labels: ls, Samples: samples}
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders[T any](builders ...TimeSeriesBuilder[T]) TimeSeriesBuilder[T] {
	return func(ctx context.Context, samples []T) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries
		for _, builder := range builders {
			if builder == nil {
				continue
			}
			ts, err := builder(ctx, samples)
			if err != nil {
				return nil, err
			}
			all = append(all, ts...)
		}
		return all, nil
	}
}
