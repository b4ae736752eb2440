package availability

import (
	"sort"
	"time"

	"github.com/fiffu/campwatch/lib/models"
)

// Span is a run of consecutive nights, [From, To).
type Span struct {
	From time.Time
	To   time.Time
}

func (s Span) Dates() []time.Time {
	return models.Nights(s.From, s.To)
}

// Window merges the nights requested by scans into disjoint spans, skipping nights before today.
func Window(scans []models.Scan, today time.Time) []Span {
	today = models.Day(today)

	seen := make(map[time.Time]struct{})
	for _, scan := range scans {
		for _, night := range models.Nights(scan.CheckIn, scan.CheckOut) {
			if night.Before(today) {
				continue
			}
			seen[night] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	nights := make([]time.Time, 0, len(seen))
	for night := range seen {
		nights = append(nights, night)
	}
	sort.Slice(nights, func(i, j int) bool { return nights[i].Before(nights[j]) })

	spans := []Span{{From: nights[0], To: nights[0].AddDate(0, 0, 1)}}
	for _, night := range nights[1:] {
		last := &spans[len(spans)-1]
		if night.Equal(last.To) {
			last.To = night.AddDate(0, 0, 1)
			continue
		}
		spans = append(spans, Span{From: night, To: night.AddDate(0, 0, 1)})
	}
	return spans
}
