package journal

import (
	"fmt"

	"packline.ai/internal/pack"
)

// RunCheck is the outcome of replaying one run's events.
type RunCheck struct {
	RunID     string
	Total     int
	Spawned   int
	Placed    int
	Failed    int
	Degraded  int
	MaxHeight float64
	Finished  bool
	// Problems lists every inconsistency found, in event order.
	Problems []string
}

func (c RunCheck) OK() bool { return len(c.Problems) == 0 }

// Replay groups events by run, in first-seen order, and checks that each
// run is internally consistent: boxes spawn in index order, every box is
// placed or failed at most once and only after it spawned, the stack
// height never decreases, and the finished counts match the events.
func Replay(events []pack.Event) []RunCheck {
	var order []string
	type state struct {
		check   RunCheck
		outcome map[int]pack.EventKind
	}
	runs := map[string]*state{}

	for _, e := range events {
		st := runs[e.RunID]
		if st == nil {
			st = &state{check: RunCheck{RunID: e.RunID}, outcome: map[int]pack.EventKind{}}
			runs[e.RunID] = st
			order = append(order, e.RunID)
		}
		c := &st.check
		bad := func(format string, args ...any) {
			c.Problems = append(c.Problems, fmt.Sprintf(format, args...))
		}
		if c.Finished {
			bad("%s event after finished", e.Kind)
		}

		switch e.Kind {
		case pack.EventStarted:
			c.Total = e.Total
		case pack.EventSpawned:
			if e.Index != c.Spawned {
				bad("spawned index %d, want %d", e.Index, c.Spawned)
			}
			c.Spawned++
		case pack.EventArrived, pack.EventPicked:
			if e.Index >= c.Spawned {
				bad("%s box %d before it spawned", e.Kind, e.Index)
			}
		case pack.EventPlaced, pack.EventFailed:
			if e.Index >= c.Spawned {
				bad("%s box %d before it spawned", e.Kind, e.Index)
			}
			if prev, ok := st.outcome[e.Index]; ok {
				bad("box %d %s after %s", e.Index, e.Kind, prev)
			}
			st.outcome[e.Index] = e.Kind
			if e.Kind == pack.EventFailed {
				c.Failed++
				break
			}
			c.Placed++
			if e.Degraded {
				c.Degraded++
			}
			if e.MaxHeight < c.MaxHeight {
				bad("max height decreased %.4f -> %.4f at box %d", c.MaxHeight, e.MaxHeight, e.Index)
			} else {
				c.MaxHeight = e.MaxHeight
			}
		case pack.EventFinished:
			c.Finished = true
			if e.Placed != c.Placed || e.Failed != c.Failed {
				bad("finished reports placed=%d failed=%d, events show placed=%d failed=%d", e.Placed, e.Failed, c.Placed, c.Failed)
			}
		}
	}

	out := make([]RunCheck, 0, len(order))
	for _, id := range order {
		out = append(out, runs[id].check)
	}
	return out
}
