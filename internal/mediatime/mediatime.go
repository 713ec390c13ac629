// Package mediatime implements exact rational media time.
//
// A Rational is always normalized: the denominator is positive and shares no
// common factor with the numerator. Per-track clocks start at Zero and are
// advanced with Add, which never loses precision. Conversion into an integer
// container timescale happens only through RoundToBase.
package mediatime

import (
	"fmt"
	"math"
)

// Rational is a number of seconds expressed as num/den.
type Rational struct {
	num int64
	den int64
}

// Time is a point on a track's media timeline.
type Time = Rational

// Duration is a span of media time.
type Duration = Rational

// Zero is 0/1.
var Zero = Rational{num: 0, den: 1}

// New returns num/den in lowest terms. A zero denominator panics, as with
// integer division.
func New(num, den int64) Rational {
	if den == 0 {
		panic("mediatime: zero denominator")
	}
	if den < 0 {
		num, den = -num, -den
	}
	if g := gcd(abs(num), den); g > 1 {
		num /= g
		den /= g
	}
	return Rational{num: num, den: den}
}

// FromMillis converts a millisecond count.
func FromMillis(ms int64) Rational {
	return New(ms, 1000)
}

// Num returns the numerator.
func (r Rational) Num() int64 { return r.num }

// Den returns the denominator. The zero value reports 1.
func (r Rational) Den() int64 {
	if r.den == 0 {
		return 1
	}
	return r.den
}

func (r Rational) norm() Rational {
	if r.den == 0 {
		return Zero
	}
	return r
}

// Add returns r + o.
func (r Rational) Add(o Rational) Rational {
	r, o = r.norm(), o.norm()
	if r.den == o.den {
		return New(r.num+o.num, r.den)
	}
	// Scale through the lcm to keep intermediates small.
	g := gcd(r.den, o.den)
	return New(r.num*(o.den/g)+o.num*(r.den/g), r.den/g*o.den)
}

// Sub returns r - o.
func (r Rational) Sub(o Rational) Rational {
	o = o.norm()
	return r.Add(Rational{num: -o.num, den: o.den})
}

// Mul returns r * o.
func (r Rational) Mul(o Rational) Rational {
	r, o = r.norm(), o.norm()
	g1 := gcd(abs(r.num), o.den)
	g2 := gcd(abs(o.num), r.den)
	return New((r.num/g1)*(o.num/g2), (r.den/g2)*(o.den/g1))
}

// Recip returns 1/r. It panics when r is zero.
func (r Rational) Recip() Rational {
	r = r.norm()
	return New(r.den, r.num)
}

// Cmp returns -1, 0 or +1 depending on whether r is less than, equal to or
// greater than o.
func (r Rational) Cmp(o Rational) int {
	d := r.Sub(o)
	switch {
	case d.num < 0:
		return -1
	case d.num > 0:
		return 1
	}
	return 0
}

// Equal reports whether r and o denote the same value.
func (r Rational) Equal(o Rational) bool {
	r, o = r.norm(), o.norm()
	return r.num == o.num && r.den == o.den
}

// IsZero reports whether r is zero.
func (r Rational) IsZero() bool {
	return r.num == 0
}

// RoundToBase expresses r in units of 1/base, rounding half away from zero.
func (r Rational) RoundToBase(base int64) int64 {
	r = r.norm()
	// r.num*base may overflow for very long sessions; reduce first.
	g := gcd(base, r.den)
	num := r.num * (base / g)
	den := r.den / g

	q := num / den
	rem := num % den
	if 2*abs(rem) >= den {
		if num < 0 {
			q--
		} else {
			q++
		}
	}
	return q
}

// Float64 returns the nearest float64.
func (r Rational) Float64() float64 {
	r = r.norm()
	return float64(r.num) / float64(r.den)
}

// FromFloat rounds f to the given number of decimal places and returns it
// as an exact rational. It is used to strip noise from floating point
// metadata such as frame rates.
func FromFloat(f float64, decimals int) Rational {
	scale := int64(math.Pow10(decimals))
	return New(int64(math.Round(f*float64(scale))), scale)
}

func (r Rational) String() string {
	r = r.norm()
	return fmt.Sprintf("%d/%d", r.num, r.den)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
