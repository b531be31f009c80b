package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/callflow/pkg/volte"
)

func testFlow() *volte.CallFlow {
	base := time.Unix(1700000000, 0)
	return &volte.CallFlow{
		FlowID:    "616263_1700000000",
		Type:      volte.FlowMOVoiceCall,
		Caller:    volte.Party{Role: "UEa", MSISDN: "+14155551234", IMSI: "310260123456789"},
		Callee:    volte.Party{Role: "UEb", MSISDN: "+14155555678"},
		StartTime: base,
		EndTime:   base.Add(5 * time.Minute),
		Stats: volte.FlowStats{
			SIPMessages:    6,
			SetupTimeMs:    3000,
			RingTimeMs:     2000,
			CallDurationMs: 300000,
			HasTiming:      true,
		},
	}
}

func TestFlowWriter_JSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flows.jsonl")

	store, err := New(Config{FlowsEnabled: true, FlowsPath: path, MaxSizeMB: 10})
	require.NoError(t, err)

	require.NoError(t, store.WriteFlow(testFlow()))
	require.NoError(t, store.WriteFlow(testFlow()))
	require.NoError(t, store.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		assert.Equal(t, "616263_1700000000", decoded["flow_id"])
		assert.Equal(t, "MO_VOICE_CALL", decoded["type"])
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestCDRWriter_CSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdr.csv")

	store, err := New(Config{CDREnabled: true, CDRPath: path, MaxSizeMB: 10})
	require.NoError(t, err)

	require.NoError(t, store.WriteFlow(testFlow()))
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2) // header + one record
	assert.True(t, strings.HasPrefix(lines[0], "flow_id,type,start_time"))
	assert.Contains(t, lines[1], "616263_1700000000")
	assert.Contains(t, lines[1], "+14155551234")
	assert.Contains(t, lines[1], "3000.00")
}

func TestStorage_DisabledWritersAreNoops(t *testing.T) {
	store, err := New(Config{})
	require.NoError(t, err)
	assert.NoError(t, store.WriteFlow(testFlow()))
	assert.NoError(t, store.Close())
}
