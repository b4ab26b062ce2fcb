package registry

import (
	"testing"

	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	reg, err := New([]models.Instrument{
		{ID: 2, Symbol: "ETH", Depth: 5, Underlying: "ethusdt"},
		{ID: 1, Symbol: "BTC", Depth: 10, Underlying: "BTCUSDT"},
		{ID: 3, Symbol: "BTC-ALT", Depth: 3, Underlying: "BTCUSDT"},
	})
	require.NoError(t, err)

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, int32(1), all[0].ID)
	assert.Equal(t, int32(3), all[2].ID)

	eth, ok := reg.Get(2)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", eth.Underlying)

	_, ok = reg.Get(99)
	assert.False(t, ok)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, reg.Underlyings())
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	reg, err := New([]models.Instrument{{ID: 1, Symbol: "BTC", Depth: 10, Underlying: "BTCUSDT"}})
	require.NoError(t, err)

	all := reg.All()
	all[0].Depth = 1

	inst, _ := reg.Get(1)
	assert.Equal(t, 10, inst.Depth)
	assert.Equal(t, 10, reg.All()[0].Depth)
}

func TestRegistryRejectsMalformedInstruments(t *testing.T) {
	tests := []struct {
		name        string
		instruments []models.Instrument
	}{
		{"empty", nil},
		{"zero id", []models.Instrument{{ID: 0, Symbol: "BTC", Depth: 1, Underlying: "BTCUSDT"}}},
		{"missing symbol", []models.Instrument{{ID: 1, Depth: 1, Underlying: "BTCUSDT"}}},
		{"zero depth", []models.Instrument{{ID: 1, Symbol: "BTC", Underlying: "BTCUSDT"}}},
		{"missing underlying", []models.Instrument{{ID: 1, Symbol: "BTC", Depth: 1}}},
		{"duplicate id", []models.Instrument{
			{ID: 1, Symbol: "BTC", Depth: 1, Underlying: "BTCUSDT"},
			{ID: 1, Symbol: "ETH", Depth: 1, Underlying: "ETHUSDT"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.instruments)
			assert.ErrorIs(t, err, ErrInvalidInstrument)
		})
	}
}
