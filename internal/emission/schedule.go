package emission

import (
	"errors"
	"math"
	"math/big"
)

const secondsPerDay = 86400

var (
	// ErrInvalidEffectiveTime indicates a rate change dated before now or
	// before the last existing segment.
	ErrInvalidEffectiveTime = errors.New("emission: invalid effective time")
	// ErrInvalidRate indicates a nil or negative emission rate.
	ErrInvalidRate = errors.New("emission: invalid rate")
)

// RateScale is the fixed-point scale of VePerDay: a rate of 1 ve per whole
// token per day is stored as 1e18.
var RateScale = big.NewInt(1e18)

// Segment is one constant-rate interval of a method's emission schedule.
// TokenAmount is the aggregate staked quantity active during the segment.
// TokenAmountTime is the aggregate of staked-quantity × last-update-time
// across all accounts, with each account's last update clamped into the
// segment's bounds. Maintaining it incrementally is what makes aggregate
// projection independent of the account count.
type Segment struct {
	EffectiveFromSec int64
	VePerDay         *big.Int
	TokenAmount      *big.Int
	TokenAmountTime  *big.Int
}

// Schedule is an append-only, time-ordered sequence of segments. The last
// segment has an implicit open end.
type Schedule struct {
	Segments []Segment
}

// Overlap reports how many seconds of a query interval fall inside one
// segment.
type Overlap struct {
	Index   int
	Seconds int64
}

// AddRate appends a segment effective at effectiveFromSec with the given
// rate. An effective time of 0 is a sentinel for "now". The new segment
// carries the current aggregate stake forward and seeds its time aggregate
// as if every account had last updated at the segment boundary.
func (s *Schedule) AddRate(nowSec, effectiveFromSec int64, vePerDay *big.Int) error {
	if vePerDay == nil || vePerDay.Sign() < 0 {
		return ErrInvalidRate
	}
	if effectiveFromSec == 0 {
		effectiveFromSec = nowSec
	}
	if effectiveFromSec < nowSec {
		return ErrInvalidEffectiveTime
	}
	if n := len(s.Segments); n > 0 && effectiveFromSec < s.Segments[n-1].EffectiveFromSec {
		return ErrInvalidEffectiveTime
	}

	carried := new(big.Int)
	if n := len(s.Segments); n > 0 {
		carried.Set(s.Segments[n-1].TokenAmount)
	}
	s.Segments = append(s.Segments, Segment{
		EffectiveFromSec: effectiveFromSec,
		VePerDay:         new(big.Int).Set(vePerDay),
		TokenAmount:      carried,
		TokenAmountTime:  new(big.Int).Mul(carried, big.NewInt(effectiveFromSec)),
	})
	return nil
}

// endOf returns the exclusive end bound of segment i.
func (s *Schedule) endOf(i int) int64 {
	if i == len(s.Segments)-1 {
		return math.MaxInt64
	}
	return s.Segments[i+1].EffectiveFromSec
}

func clamp(ts, lo, hi int64) int64 {
	if ts < lo {
		return lo
	}
	if ts > hi {
		return hi
	}
	return ts
}

// Overlaps computes, for each segment intersecting [fromSec, toSec], the
// clamped overlap in seconds. It returns the index of the first overlapping
// segment and the overlap list. Pure; no mutation.
func (s *Schedule) Overlaps(fromSec, toSec int64) (int, []Overlap) {
	first := -1
	var overlaps []Overlap
	for i := range s.Segments {
		lo := s.Segments[i].EffectiveFromSec
		hi := s.endOf(i)
		seconds := clamp(toSec, lo, hi) - clamp(fromSec, lo, hi)
		if seconds <= 0 {
			continue
		}
		if first < 0 {
			first = i
		}
		overlaps = append(overlaps, Overlap{Index: i, Seconds: seconds})
	}
	return first, overlaps
}

// ApplyDelta records a single account's transition at nowSec from
// amountBefore (last updated at lastUpdateSec) to amountAfter. When joining
// is true the account had no prior record under this schedule and the
// subtraction leg is skipped. Every segment's TokenAmountTime and
// TokenAmount are adjusted so aggregate projections stay exact.
func (s *Schedule) ApplyDelta(nowSec, lastUpdateSec int64, amountBefore, amountAfter *big.Int, joining bool) {
	for i := range s.Segments {
		lo := s.Segments[i].EffectiveFromSec
		hi := s.endOf(i)

		contribution := new(big.Int).Mul(amountAfter, big.NewInt(clamp(nowSec, lo, hi)))
		if !joining {
			prior := new(big.Int).Mul(amountBefore, big.NewInt(clamp(lastUpdateSec, lo, hi)))
			contribution.Sub(contribution, prior)
			s.Segments[i].TokenAmount = new(big.Int).Add(
				new(big.Int).Sub(s.Segments[i].TokenAmount, amountBefore), amountAfter)
		} else {
			s.Segments[i].TokenAmount = new(big.Int).Add(s.Segments[i].TokenAmount, amountAfter)
		}
		s.Segments[i].TokenAmountTime = new(big.Int).Add(s.Segments[i].TokenAmountTime, contribution)
	}
}

// AccruedAmount projects the ve accrued by a single position of the given
// amount between its last update and atSec. unitScale is 10^decimals of the
// staked token. The result is in ve-wei (RateScale fixed point).
func (s *Schedule) AccruedAmount(amount *big.Int, lastUpdateSec, atSec int64, unitScale *big.Int) *big.Int {
	total := new(big.Int)
	if amount == nil || amount.Sign() == 0 || atSec <= lastUpdateSec {
		return total
	}
	_, overlaps := s.Overlaps(lastUpdateSec, atSec)
	for _, overlap := range overlaps {
		part := new(big.Int).Mul(amount, big.NewInt(overlap.Seconds))
		part.Mul(part, s.Segments[overlap.Index].VePerDay)
		total.Add(total, part)
	}
	return total.Div(total, new(big.Int).Mul(big.NewInt(secondsPerDay), unitScale))
}

// AccruedTotal projects the ve accrued by every position under this
// schedule, in aggregate, up to atSec. It visits segments, never accounts:
// per segment the accrued total is rate × (TokenAmount × boundedEnd −
// TokenAmountTime).
func (s *Schedule) AccruedTotal(atSec int64, unitScale *big.Int) *big.Int {
	total := new(big.Int)
	for i := range s.Segments {
		lo := s.Segments[i].EffectiveFromSec
		if atSec <= lo {
			continue
		}
		bounded := clamp(atSec, lo, s.endOf(i))
		part := new(big.Int).Mul(s.Segments[i].TokenAmount, big.NewInt(bounded))
		part.Sub(part, s.Segments[i].TokenAmountTime)
		if part.Sign() <= 0 {
			continue
		}
		part.Mul(part, s.Segments[i].VePerDay)
		total.Add(total, part)
	}
	return total.Div(total, new(big.Int).Mul(big.NewInt(secondsPerDay), unitScale))
}
