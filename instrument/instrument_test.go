package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_AllFourInstrumentsPresent(t *testing.T) {
	cat := Default()

	for _, name := range []Name{BankNifty, GoldMini, SilverMini, Copper} {
		cfg, ok := cat.Get(name)
		require.True(t, ok, "expected %s in default catalog", name)
		assert.Equal(t, name, cfg.Name)
		assert.NotEmpty(t, cfg.ContractMonths)
		assert.Equal(t, DefaultMaxPyramids, cfg.MaxPyramids)
	}
}

func TestDefault_GoldMiniAndSilverMiniContractCyclesDiffer(t *testing.T) {
	cat := Default()

	gold, _ := cat.Get(GoldMini)
	silver, _ := cat.Get(SilverMini)

	assert.Equal(t, []string{"FEB", "APR", "JUN", "AUG", "OCT", "DEC"}, gold.ContractMonths)
	assert.Equal(t, []string{"FEB", "APR", "JUN", "AUG", "NOV"}, silver.ContractMonths)
}

func TestGet_UnknownInstrumentReturnsFalse(t *testing.T) {
	cat := Default()

	_, ok := cat.Get(Name("PLATINUM"))
	assert.False(t, ok)
}

func TestNewCatalog_ZeroMaxPyramidsDefaultsToFive(t *testing.T) {
	cat := NewCatalog(Config{Name: BankNifty, Exchange: NFO})

	cfg, ok := cat.Get(BankNifty)
	require.True(t, ok)
	assert.Equal(t, 5, cfg.MaxPyramids)
}

func TestNewCatalog_ExplicitMaxPyramidsPreserved(t *testing.T) {
	cat := NewCatalog(Config{Name: BankNifty, Exchange: NFO, MaxPyramids: 3})

	cfg, ok := cat.Get(BankNifty)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.MaxPyramids)
}

func TestDefault_BankNiftyEODEnabledCommoditiesAreNot(t *testing.T) {
	cat := Default()

	bn, _ := cat.Get(BankNifty)
	gold, _ := cat.Get(GoldMini)

	assert.True(t, bn.EODEnabled)
	assert.False(t, gold.EODEnabled)
}
