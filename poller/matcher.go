package poller

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/freundallein/erpexport/chassis/protocol"
)

// Kind - result class of one poll iteration
type Kind int

const (
	// NoTasksVisible - the history page was empty
	NoTasksVisible Kind = iota
	// NoMatch - no record belongs to this submission
	NoMatch
	// InProgress - matched, not finished
	InProgress
	// Complete - matched, finished, URL present
	Complete
	// CompleteNoURL - matched, finished, no URL: vendor-side anomaly
	CompleteNoURL
)

func (k Kind) String() string {
	switch k {
	case NoTasksVisible:
		return "no_tasks_visible"
	case NoMatch:
		return "no_match"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case CompleteNoURL:
		return "complete_no_url"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome of evaluating one history page.
type Outcome struct {
	Kind    Kind
	Record  *protocol.TaskRecord
	Percent float64
	URL     string
	Matches int
}

// Matcher picks the record of the current submission out of a history page.
// The vendor returns no task id on submit, so name and creation time are all
// there is to go on.
type Matcher struct {
	Tolerance time.Duration
	DoneState int
	Location  *time.Location
}

type candidate struct {
	record   *protocol.TaskRecord
	distance time.Duration
	parsed   bool
	index    int
}

// Evaluate classifies records against moduleName and the submission instant.
//
// A record matches when its name or module name contains moduleName and it was
// created no earlier than since minus the tolerance. Records whose create_time
// cannot be parsed are kept but ranked after every parsed match, not treated
// as an exact hit; they win only when nothing parsed matches. Among matches the
// one created closest to since wins; vendor list order is not relied on.
func (m Matcher) Evaluate(records []protocol.TaskRecord, moduleName string, since time.Time) Outcome {
	if len(records) == 0 {
		return Outcome{Kind: NoTasksVisible}
	}
	earliest := since.Add(-m.Tolerance)
	var candidates []candidate
	for i := range records {
		record := &records[i]
		if !strings.Contains(record.Name, moduleName) && !strings.Contains(record.ModuleName, moduleName) {
			continue
		}
		created, err := record.CreatedAt(m.Location)
		if err != nil {
			candidates = append(candidates, candidate{record: record, index: i})
			continue
		}
		if created.Before(earliest) {
			continue
		}
		candidates = append(candidates, candidate{
			record:   record,
			distance: absDuration(created.Sub(since)),
			parsed:   true,
			index:    i,
		})
	}
	if len(candidates) == 0 {
		return Outcome{Kind: NoMatch}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.parsed != b.parsed {
			return a.parsed
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.index < b.index
	})
	best := candidates[0].record
	outcome := Outcome{
		Record:  best,
		Percent: best.Schedule,
		Matches: len(candidates),
	}
	switch {
	case best.State == m.DoneState && best.Schedule == 100 && best.URL != "":
		outcome.Kind = Complete
		outcome.URL = best.URL
	case best.State == m.DoneState && best.Schedule == 100:
		outcome.Kind = CompleteNoURL
	default:
		outcome.Kind = InProgress
	}
	return outcome
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
