// Package pricing computes quote breakdowns in integer minor units.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"charter-service/internal/models"
)

const (
	CodeServiceFee = "SERVICE_FEE"
	CodeWeekend    = "WEEKEND"
	CodeHoliday    = "HOLIDAY"
)

var tenThousand = decimal.NewFromInt(10000)

type Input struct {
	Rate          models.PriceRate
	Surcharges    []models.Surcharge
	Passengers    int
	Date          time.Time
	ServiceFeeBps int64
	TaxBps        int64
}

// Calculate prices one quote:
//
//	base  = rate.base + rate.perExtraPassenger * (passengers - 1)
//	fees  = service fee on base + applicable surcharges
//	taxes = tax on (base + fees)
//	total = base + fees + taxes
func Calculate(in Input) models.PriceBreakdown {
	extra := int64(0)
	if in.Passengers > 1 {
		extra = int64(in.Passengers-1) * in.Rate.PerExtraPassenger
	}
	base := in.Rate.BaseAmount + extra

	lines := models.PriceLines{{Code: CodeServiceFee, Amount: ApplyBps(base, in.ServiceFeeBps)}}
	for _, s := range in.Surcharges {
		if !Applies(s, in.Passengers, in.Date) {
			continue
		}
		amount := s.Value
		if s.Kind == models.SurchargePercent {
			amount = ApplyBps(base, s.Value)
		}
		lines = append(lines, models.PriceLine{Code: s.Code, Amount: amount})
	}

	fees := lines.Sum()
	taxes := ApplyBps(base+fees, in.TaxBps)

	return models.PriceBreakdown{
		Base:       base,
		Fees:       fees,
		Taxes:      taxes,
		Total:      base + fees + taxes,
		Surcharges: lines,
	}
}

// Applies reports whether surcharge s is due for this trip.
func Applies(s models.Surcharge, passengers int, date time.Time) bool {
	if !s.Active {
		return false
	}
	if s.MinPassengers > 0 && passengers < s.MinPassengers {
		return false
	}
	if s.MaxPassengers > 0 && passengers > s.MaxPassengers {
		return false
	}
	switch s.Code {
	case CodeWeekend:
		wd := date.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	case CodeHoliday:
		return IsHolidaySeason(date)
	}
	return true
}

// IsHolidaySeason covers December 15 through January 15.
func IsHolidaySeason(date time.Time) bool {
	m, d := date.Month(), date.Day()
	return (m == time.December && d >= 15) || (m == time.January && d <= 15)
}

// ApplyBps returns amount * bps / 10000 rounded half away from zero.
func ApplyBps(amount, bps int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(tenThousand).
		Round(0).
		IntPart()
}

// FormatMinor renders minor units for humans, e.g. "USD 5,617.50".
func FormatMinor(amount int64, currency string) string {
	major := decimal.New(amount, -2).StringFixed(2)
	return currency + " " + groupThousands(major)
}

func groupThousands(s string) string {
	sign := ""
	if s != "" && s[0] == '-' {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			intPart, frac = s[:i], s[i:]
			break
		}
	}
	out := make([]byte, 0, len(intPart)+len(intPart)/3)
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	return sign + string(out) + frac
}
