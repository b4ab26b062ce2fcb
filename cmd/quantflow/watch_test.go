package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gregtusar/quantflow/internal/config"
	"github.com/gregtusar/quantflow/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintSnapshotUnevenSides(t *testing.T) {
	var buf bytes.Buffer
	printSnapshot(&buf, &models.OrderbookSnapshot{
		InstrumentID: 2,
		Bids:         []models.PriceLevel{{Price: 99.5, Quantity: 1}, {Price: 99, Quantity: 3}},
		Asks:         []models.PriceLevel{{Price: 100, Quantity: 2}},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "instrument=2 bids=2 asks=1")
	assert.Contains(t, lines[2], "99.5")
	assert.Contains(t, lines[2], "100")
	assert.Contains(t, lines[3], "99")
}

func TestPrintIncremental(t *testing.T) {
	var buf bytes.Buffer
	printIncremental(&buf, &models.OrderbookIncremental{
		InstrumentID: 1,
		IsBid:        true,
		UpdateType:   models.UpdateTypeReplace,
		Level:        models.PriceLevel{Price: 42, Quantity: 0.5},
	})
	assert.Contains(t, buf.String(), "instrument=1 REPLACE bid 0.5 @ 42")
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	configureLogger(l, config.LoggingConfig{Level: "warn", Format: "text"})
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	configureLogger(l, config.LoggingConfig{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	path := filepath.Join(t.TempDir(), "quantflow.log")
	configureLogger(l, config.LoggingConfig{Level: "info", File: path})
	l.Info("to file")
	assert.FileExists(t, path)
}
