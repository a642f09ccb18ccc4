// Package symbolresolver maps logical instruments to exchange symbols per
// expiry, and computes next expiries and rollover triggers (spec.md §2
// "Symbol/Expiry Resolver", §4.6 on translating logical instrument + expiry
// + strike to an exchange symbol).
package symbolresolver

import (
	"fmt"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// Resolver resolves logical instruments to concrete exchange symbols.
type Resolver struct {
	catalog *instrument.Catalog
}

// New builds a Resolver backed by the given catalog.
func New(catalog *instrument.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Expiry describes one resolved contract month/expiry.
type Expiry struct {
	ContractMonth string // e.g. "FEB26", "WEEKLY-2026-02-05"
	Date          time.Time
}

// NextExpiry returns the next expiry for name on or after `from`, following
// the instrument's contract-month pattern (spec.md §3 "contract-month
// pattern").
func (r *Resolver) NextExpiry(name instrument.Name, from time.Time) (Expiry, error) {
	cfg, ok := r.catalog.Get(name)
	if !ok {
		return Expiry{}, fmt.Errorf("symbolresolver: unknown instrument %q", name)
	}

	if name == instrument.BankNifty {
		return nextWeeklyExpiry(from), nil
	}
	return nextMonthlyExpiry(cfg, from), nil
}

// nextWeeklyExpiry returns the next Thursday on/after `from` (NSE's
// historical weekly Bank Nifty options expiry weekday); holiday shifting is
// left to the external exchange-calendar collaborator (spec.md §1 scope).
func nextWeeklyExpiry(from time.Time) Expiry {
	d := from
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, 1)
	}
	return Expiry{ContractMonth: fmt.Sprintf("WEEKLY-%s", d.Format("2006-01-02")), Date: d}
}

var monthIndex = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// nextMonthlyExpiry returns the last business-day-insensitive day of the
// next eligible contract month in cfg.ContractMonths on/after `from`. The
// "last Thursday of the month" convention used by MCX is approximated here;
// precise holiday adjustment is an external-calendar concern (spec.md §1).
func nextMonthlyExpiry(cfg instrument.Config, from time.Time) Expiry {
	best := time.Time{}
	bestLabel := ""
	for offset := 0; offset < 24; offset++ {
		candidateMonth := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, offset, 0)
		label := monthAbbrev(candidateMonth.Month())
		if !contains(cfg.ContractMonths, label) {
			continue
		}
		lastDay := lastDayOfMonth(candidateMonth)
		expiry := lastThursdayOnOrBefore(lastDay)
		if expiry.Before(from) {
			continue
		}
		if best.IsZero() || expiry.Before(best) {
			best = expiry
			bestLabel = fmt.Sprintf("%s%d", label, candidateMonth.Year()%100)
		}
	}
	return Expiry{ContractMonth: bestLabel, Date: best}
}

func monthAbbrev(m time.Month) string {
	for k, v := range monthIndex {
		if v == m {
			return k
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func lastDayOfMonth(firstOfMonth time.Time) time.Time {
	return firstOfMonth.AddDate(0, 1, -1)
}

func lastThursdayOnOrBefore(d time.Time) time.Time {
	for d.Weekday() != time.Thursday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// RolloverDue reports whether expiry is within the instrument's
// rollover-lookahead window of `asOf` (spec.md §4.9 rollover scanner trigger).
func (r *Resolver) RolloverDue(name instrument.Name, expiry time.Time, asOf time.Time) (bool, error) {
	cfg, ok := r.catalog.Get(name)
	if !ok {
		return false, fmt.Errorf("symbolresolver: unknown instrument %q", name)
	}
	daysToExpiry := int(expiry.Sub(asOf).Hours() / 24)
	return daysToExpiry <= cfg.RolloverLookaheadDays, nil
}

// FuturesSymbol builds the exchange symbol for a single-leg futures
// instrument, e.g. "GOLDM26FEBFUT" (spec.md §6 broker port example
// "GOLDM{yyMMMdd}FUT").
func FuturesSymbol(name instrument.Name, contractMonth string) string {
	return fmt.Sprintf("%s%sFUT", rootSymbol(name), contractMonth)
}

// OptionLegSymbols builds the two exchange symbols for a Bank Nifty
// synthetic-futures long: SELL PE + BUY CE at the given strike and weekly
// expiry label (spec.md §6 example "BANKNIFTY{yymmdd}{strike}{CE|PE}").
func OptionLegSymbols(expiryLabel string, strike int) (sellPE, buyCE string) {
	base := fmt.Sprintf("BANKNIFTY%s%d", expiryLabel, strike)
	return base + "PE", base + "CE"
}

func rootSymbol(name instrument.Name) string {
	switch name {
	case instrument.GoldMini:
		return "GOLDM"
	case instrument.SilverMini:
		return "SILVERM"
	case instrument.Copper:
		return "COPPER"
	default:
		return string(name)
	}
}

// ExchangeFor returns NFO for Bank Nifty and MCX for the commodity minis
// (spec.md §4.6 "chooses exchange (NFO vs MCX)").
func ExchangeFor(name instrument.Name) instrument.Exchange {
	if name == instrument.BankNifty {
		return instrument.NFO
	}
	return instrument.MCX
}

// NearestStrike rounds price to the instrument's strike interval, optionally
// preferring round-thousand strikes (spec.md §6 rollover.strike_interval /
// prefer_1000s).
func NearestStrike(price float64, interval int, prefer1000s bool) int {
	if prefer1000s && interval < 1000 {
		interval = 1000
	}
	if interval <= 0 {
		interval = 100
	}
	return int(round(price/float64(interval))) * interval
}

func round(f float64) float64 {
	if f < 0 {
		return -round(-f)
	}
	return float64(int(f + 0.5))
}
