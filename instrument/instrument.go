// Package instrument holds the static, per-instrument trading parameters
// (spec.md §2 "Instrument Catalog", §3 "Instrument").
package instrument

// Name identifies one of the two tradable instrument families.
type Name string

const (
	BankNifty  Name = "BANK_NIFTY"
	GoldMini   Name = "GOLD_MINI"
	SilverMini Name = "SILVER_MINI"
	Copper     Name = "COPPER"
)

// Exchange is the venue a symbol trades on.
type Exchange string

const (
	NFO Exchange = "NFO"
	MCX Exchange = "MCX"
)

// Config is the static configuration for one instrument.
type Config struct {
	Name     Name
	Exchange Exchange

	LotSize    int     // contracts per lot
	PointValue float64 // currency per 1-point move per lot

	MarginPerLot float64

	InitialRiskPct   float64
	OngoingRiskPct   float64
	InitialVolPct    float64
	OngoingVolPct    float64

	InitialATRMult  float64
	TrailingATRMult float64

	MaxPyramids int

	RolloverLookaheadDays int

	// ContractMonths lists the exchange month codes this instrument trades,
	// in calendar order. Bank Nifty trades weekly/monthly option expiries
	// (resolved separately, see symbolresolver); commodity minis trade a
	// fixed cycle of named months (spec.md §9 design note (b): Silver Mini's
	// cycle deviates from the standard MCX bimonthly pattern).
	ContractMonths []string

	EODEnabled bool
}

// DefaultMaxPyramids is the spec's documented default (spec.md §3).
const DefaultMaxPyramids = 5

// Catalog is the static, process-wide instrument registry. It is populated
// once at startup and never mutated afterwards (spec.md §9 design note on
// global mutable singletons: config is immutable after load).
type Catalog struct {
	byName map[Name]Config
}

// NewCatalog builds a Catalog from the given configs, indexed by name.
func NewCatalog(configs ...Config) *Catalog {
	c := &Catalog{byName: make(map[Name]Config, len(configs))}
	for _, cfg := range configs {
		if cfg.MaxPyramids == 0 {
			cfg.MaxPyramids = DefaultMaxPyramids
		}
		c.byName[cfg.Name] = cfg
	}
	return c
}

// Get returns the static configuration for name, or false if unknown.
func (c *Catalog) Get(name Name) (Config, bool) {
	cfg, ok := c.byName[name]
	return cfg, ok
}

// Default returns the catalog wired with the spec's four tradable
// instruments and their documented parameters (spec.md §2, §3, scenario 1
// in §8 for Bank Nifty's point value and risk%).
func Default() *Catalog {
	return NewCatalog(
		Config{
			Name:                  BankNifty,
			Exchange:              NFO,
			LotSize:               35,
			PointValue:            30, // currency per point per lot (spec.md §8 scenario 1)
			MarginPerLot:          150000,
			InitialRiskPct:        0.005,
			OngoingRiskPct:        0.0025,
			InitialVolPct:         0.01,
			OngoingVolPct:         0.005,
			InitialATRMult:        1.0,
			TrailingATRMult:       1.0,
			MaxPyramids:           5,
			RolloverLookaheadDays: 5,
			ContractMonths:        []string{"WEEKLY", "MONTHLY"},
			EODEnabled:            true,
		},
		Config{
			Name:                  GoldMini,
			Exchange:              MCX,
			LotSize:               10,
			PointValue:            10,
			MarginPerLot:          60000,
			InitialRiskPct:        0.0075,
			OngoingRiskPct:        0.00375,
			InitialVolPct:         0.015,
			OngoingVolPct:         0.0075,
			InitialATRMult:        1.2,
			TrailingATRMult:       1.2,
			MaxPyramids:           5,
			RolloverLookaheadDays: 8,
			ContractMonths:        []string{"FEB", "APR", "JUN", "AUG", "OCT", "DEC"},
			EODEnabled:            false,
		},
		Config{
			Name:                  SilverMini,
			Exchange:              MCX,
			LotSize:               5,
			PointValue:            5,
			MarginPerLot:          70000,
			InitialRiskPct:        0.0075,
			OngoingRiskPct:        0.00375,
			InitialVolPct:         0.015,
			OngoingVolPct:         0.0075,
			InitialATRMult:        1.2,
			TrailingATRMult:       1.2,
			MaxPyramids:           5,
			RolloverLookaheadDays: 8,
			// spec.md §3: Silver Mini's contract-month pattern deviates from
			// standard MCX ({Feb,Apr,Jun,Aug,Nov}); §9 Open Question (b)
			// flags this for confirmation with the exchange calendar, so it
			// is kept as a distinct, explicitly-named cycle rather than
			// reusing Gold Mini's bimonthly one.
			ContractMonths: []string{"FEB", "APR", "JUN", "AUG", "NOV"},
			EODEnabled:     false,
		},
		Config{
			Name:                  Copper,
			Exchange:              MCX,
			LotSize:               1000,
			PointValue:            1000,
			MarginPerLot:          80000,
			InitialRiskPct:        0.0075,
			OngoingRiskPct:        0.00375,
			InitialVolPct:         0.015,
			OngoingVolPct:         0.0075,
			InitialATRMult:        1.2,
			TrailingATRMult:       1.2,
			MaxPyramids:           5,
			RolloverLookaheadDays: 8,
			ContractMonths:        []string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"},
			EODEnabled:            false,
		},
	)
}
