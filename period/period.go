// Package period implements spec.md component C5: the sliding
// PlanningWindow of fixed-duration Periods shared between utility and
// homes, with reschedule-on-revision support.
//
// Periods form a doubly-linked ring-segment in the original implementation;
// per spec.md's design notes this is modelled as indices into the window's
// ordered slice instead of stored pointers, so previous/next are always
// computed and never dangle after shiftWindow.
package period

import (
	"errors"
	"time"

	"github.com/devskill-org/microgrid-coordinator/bidding"
)

// ErrUnknownPeriod is returned when a period number has no member in the
// window.
var ErrUnknownPeriod = errors.New("period: unknown period number")

// Period is one fixed-duration planning interval.
type Period struct {
	Number int
	Start  time.Time
	End    time.Time

	ExpectedEnergyCost float64
	RateAnnounced      bool
	Forecast           map[string]float64
	OfferPrice         float64

	Plan        *bidding.Plan
	Disposition *bidding.Disposition

	DemandBidManager  *bidding.Manager
	SupplyBidManager  *bidding.Manager
	ReserveBidManager *bidding.Manager

	PendingDREvents []string
}

func newPeriod(number int, start, end time.Time) *Period {
	return &Period{
		Number:            number,
		Start:             start,
		End:               end,
		Forecast:          make(map[string]float64),
		Plan:              bidding.NewPlan(),
		Disposition:       bidding.NewDisposition(),
		DemandBidManager:  bidding.NewManager(),
		SupplyBidManager:  bidding.NewManager(),
		ReserveBidManager: bidding.NewManager(),
	}
}

// PlanningWindow is an ordered sequence of winlength periods, period[0]
// earliest.
type PlanningWindow struct {
	periods       []*Period
	planInterval  time.Duration
	nextNumber    int
}

// NewPlanningWindow builds a window of winlength periods of duration
// planInterval starting at start, numbered sequentially from
// firstPeriodNumber.
func NewPlanningWindow(winlength int, start time.Time, planInterval time.Duration, firstPeriodNumber int) *PlanningWindow {
	w := &PlanningWindow{planInterval: planInterval, nextNumber: firstPeriodNumber}
	cursor := start
	for i := 0; i < winlength; i++ {
		end := cursor.Add(planInterval)
		w.periods = append(w.periods, newPeriod(w.nextNumber, cursor, end))
		w.nextNumber++
		cursor = end
	}
	return w
}

// Len returns the number of periods currently in the window.
func (w *PlanningWindow) Len() int { return len(w.periods) }

// At returns the period at window index i (0 = current/earliest).
func (w *PlanningWindow) At(i int) *Period {
	if i < 0 || i >= len(w.periods) {
		return nil
	}
	return w.periods[i]
}

// Previous returns the period immediately before index i, or nil if i is
// the first period in the window — the computed equivalent of the
// original's stored previousperiod link.
func (w *PlanningWindow) Previous(i int) *Period { return w.At(i - 1) }

// Next returns the period immediately after index i, or nil if i is the
// last period in the window.
func (w *PlanningWindow) Next(i int) *Period { return w.At(i + 1) }

// IsLast reports whether index i is the last period in the window.
func (w *PlanningWindow) IsLast(i int) bool { return i == len(w.periods)-1 }

// GetPeriodByNumber returns the member period with the given period number,
// or nil if none matches.
func (w *PlanningWindow) GetPeriodByNumber(n int) *Period {
	for _, p := range w.periods {
		if p.Number == n {
			return p
		}
	}
	return nil
}

// IndexOf returns the window index of the period with number n, or -1.
func (w *PlanningWindow) IndexOf(n int) int {
	for i, p := range w.periods {
		if p.Number == n {
			return i
		}
	}
	return -1
}

// ShiftWindow drops period[0] and appends a new tail period whose startTime
// equals the previous tail's endTime and whose duration is planInterval.
// The number of periods in the window is unchanged (testable property 1).
func (w *PlanningWindow) ShiftWindow() *Period {
	tail := w.periods[len(w.periods)-1]
	newTail := newPeriod(w.nextNumber, tail.End, tail.End.Add(w.planInterval))
	w.nextNumber++

	w.periods = append(w.periods[1:], newTail)
	return newTail
}

// RescheduleSubsequent sets period n's startTime to newStart, moves the
// preceding period's endTime to newStart so the two stay adjacent, and
// cascades durations forward so every later period keeps a contiguous,
// non-overlapping interval of its existing duration.
func (w *PlanningWindow) RescheduleSubsequent(n int, newStart time.Time) error {
	idx := w.IndexOf(n)
	if idx < 0 {
		return ErrUnknownPeriod
	}
	if prev := w.Previous(idx); prev != nil {
		prev.End = newStart
	}

	cursor := newStart
	for i := idx; i < len(w.periods); i++ {
		p := w.periods[i]
		duration := p.End.Sub(p.Start)
		p.Start = cursor
		p.End = cursor.Add(duration)
		cursor = p.End
	}
	return nil
}

// SetPlanInterval updates the duration used when shifting in a new tail
// period, in response to a period_duration_announcement.
func (w *PlanningWindow) SetPlanInterval(d time.Duration) { w.planInterval = d }

// PlanInterval returns the duration currently used for newly appended tail
// periods.
func (w *PlanningWindow) PlanInterval() time.Duration { return w.planInterval }

// CheckInvariant verifies the window invariant of testable property 1: for
// every pair of adjacent periods, p.endTime == p.next.startTime, and
// endTime > startTime.
func (w *PlanningWindow) CheckInvariant() error {
	for i, p := range w.periods {
		if !p.End.After(p.Start) {
			return errFor(p.Number, "endTime must be after startTime")
		}
		if next := w.Next(i); next != nil {
			if !p.End.Equal(next.Start) {
				return errFor(p.Number, "endTime must equal next period's startTime")
			}
		}
	}
	return nil
}

func errFor(periodNumber int, msg string) error {
	return &invariantError{periodNumber: periodNumber, msg: msg}
}

type invariantError struct {
	periodNumber int
	msg          string
}

func (e *invariantError) Error() string {
	return "period: invariant violated for period " + itoa(e.periodNumber) + ": " + e.msg
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
