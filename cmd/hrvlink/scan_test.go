package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayEntriesTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []scanner.Entry{
		{
			Peer:     device.Peer{Address: "aa:bb:cc:dd:ee:ff", Name: "Nano 33 BLE Rev2 HRV", RSSI: -52},
			Services: []string{"0777dfa9204b11ef8fea646ee0fcbb46"},
			LastSeen: now.Add(-3 * time.Second),
		},
		{
			Peer:     device.Peer{Address: "11:22:33:44:55:66", RSSI: -80},
			LastSeen: now,
		},
	}

	var out bytes.Buffer
	require.NoError(t, displayEntriesTable(&out, entries, now))

	text := out.String()
	assert.Contains(t, text, "NAME")
	assert.Contains(t, text, "Nano 33 BLE Rev2 HRV")
	assert.Contains(t, text, "-52 dBm")
	assert.Contains(t, text, "3s ago")
	assert.Contains(t, text, "(unnamed)")
	assert.Contains(t, text, "0777dfa9204b11ef8fea646ee0f...", "long service lists MUST be truncated")
}

func TestDisplayEntriesTable_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, displayEntriesTable(&out, nil, time.Now()))
	assert.Equal(t, "No devices discovered\n", out.String())
}

func TestDisplayEntriesJSON(t *testing.T) {
	entries := []scanner.Entry{{
		Peer: device.Peer{Address: "aa:bb:cc:dd:ee:ff", Name: "Nano 33 BLE Rev2 HRV", RSSI: -52},
		Seen: 4,
	}}

	var out bytes.Buffer
	require.NoError(t, displayEntriesJSON(&out, entries))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, float64(4), decoded[0]["seen"])
	peer := decoded[0]["peer"].(map[string]any)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", peer["Address"])
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressPrinter(&out, "Scanning", "Scanning", 0, "Done")
	p.Start()
	p.Callback()("Done")
	p.Stop()

	assert.Contains(t, out.String(), "Scanning (Scanning...)")
	assert.Contains(t, out.String(), clearLineSequence)
	assert.Panics(t, p.Start, "a printer MUST NOT be restarted")
}
