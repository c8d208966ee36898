package sourceclient

import (
	"context"
	"time"
)

// SweepRecord is anything a modified-at ordered search can page over.
type SweepRecord interface {
	RecordID() string
	RecordModifiedAt() time.Time
}

// DescendingPageFunc fetches one page of records with modified_at strictly
// below the bound, ordered newest first.
type DescendingPageFunc[T SweepRecord] func(ctx context.Context, before time.Time) ([]T, error)

// DescendingSweep walks a modified_at-descending search across page
// boundaries without losing ties. Each page's last-record modified_at
// becomes the next request's upper bound, and the previous raw page is
// subtracted from the new one to drop the duplicates that bound reuse
// inevitably produces. When a whole page is duplicate (>= page size records
// sharing a millisecond) the bound steps down 1ms and the sweep continues.
//
// Both safeguards are kept deliberately: vendors are not consistent about
// whether the bound is inclusive at millisecond granularity.
type DescendingSweep[T SweepRecord] struct {
	fetch    DescendingPageFunc[T]
	before   time.Time
	prevPage map[string]struct{}
	done     bool
}

func NewDescendingSweep[T SweepRecord](start time.Time, fetch DescendingPageFunc[T]) *DescendingSweep[T] {
	return &DescendingSweep[T]{
		fetch:    fetch,
		before:   start.UTC(),
		prevPage: map[string]struct{}{},
	}
}

// Bound returns the current upper bound; after a page it is the oldest
// modified_at seen, which doubles as the resumable watermark.
func (s *DescendingSweep[T]) Bound() time.Time {
	return s.before
}

// Done reports whether the stream is exhausted.
func (s *DescendingSweep[T]) Done() bool {
	return s.done
}

// Next returns the next page of unique records. An empty page with done ==
// true means the stream is exhausted.
func (s *DescendingSweep[T]) Next(ctx context.Context) ([]T, error) {
	for {
		if s.done {
			return nil, nil
		}

		page, err := s.fetch(ctx, s.before)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			s.done = true
			return nil, nil
		}

		unique := make([]T, 0, len(page))
		raw := make(map[string]struct{}, len(page))
		for _, rec := range page {
			raw[rec.RecordID()] = struct{}{}
			if _, seen := s.prevPage[rec.RecordID()]; seen {
				continue
			}
			unique = append(unique, rec)
		}

		oldest := page[len(page)-1].RecordModifiedAt().UTC()

		if len(unique) == 0 {
			// Everything on this page was already served: at least a full
			// page of records shares one millisecond. Step the bound down
			// past it and keep going.
			s.before = s.before.Add(-time.Millisecond)
			s.prevPage = raw
			continue
		}

		s.before = oldest
		s.prevPage = raw
		return unique, nil
	}
}

// AscendingPageFunc fetches one page of records with modified_at at or above
// the bound, ordered oldest first.
type AscendingPageFunc[T SweepRecord] func(ctx context.Context, after time.Time) ([]T, error)

// AscendingSweep is the incremental-mode mirror of DescendingSweep: it walks
// forward from a stored watermark, advancing the bound to the newest record
// plus 1ms per page.
type AscendingSweep[T SweepRecord] struct {
	fetch    AscendingPageFunc[T]
	after    time.Time
	prevPage map[string]struct{}
	done     bool
}

func NewAscendingSweep[T SweepRecord](start time.Time, fetch AscendingPageFunc[T]) *AscendingSweep[T] {
	return &AscendingSweep[T]{
		fetch:    fetch,
		after:    start.UTC(),
		prevPage: map[string]struct{}{},
	}
}

// Bound returns the watermark to persist: strictly above every record
// already served.
func (s *AscendingSweep[T]) Bound() time.Time {
	return s.after
}

func (s *AscendingSweep[T]) Done() bool {
	return s.done
}

func (s *AscendingSweep[T]) Next(ctx context.Context) ([]T, error) {
	for {
		if s.done {
			return nil, nil
		}

		page, err := s.fetch(ctx, s.after)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			s.done = true
			return nil, nil
		}

		unique := make([]T, 0, len(page))
		raw := make(map[string]struct{}, len(page))
		for _, rec := range page {
			raw[rec.RecordID()] = struct{}{}
			if _, seen := s.prevPage[rec.RecordID()]; seen {
				continue
			}
			unique = append(unique, rec)
		}

		newest := page[len(page)-1].RecordModifiedAt().UTC()

		if len(unique) == 0 {
			s.after = s.after.Add(time.Millisecond)
			s.prevPage = raw
			continue
		}

		s.after = newest.Add(time.Millisecond)
		s.prevPage = raw
		return unique, nil
	}
}
