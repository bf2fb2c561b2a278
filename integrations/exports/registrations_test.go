package exports

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	loopID    = common.HexToAddress("0x39c3A55F68Bf9f2992776991F25Aac6813a4F1d0")
	generated = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func sample() []Registration {
	return []Registration{
		{ChainID: 100, Loop: loopID, Period: 7, Address: common.HexToAddress("0xA25211B64D041F690C0c818183E32f28ba9647Dd")},
		{ChainID: 100, Loop: loopID, Period: 7, Address: common.HexToAddress("0x00000000000000000000000000000000000000b0")},
	}
}

func TestRegistrationsCSV(t *testing.T) {
	data, sum, err := RegistrationsCSV(sample(), generated)
	require.NoError(t, err)
	digest := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(digest[:]), sum)

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{"chain_id", "loop", "period", "address", "generated_at"}, records[0])
	require.Equal(t, "0xa25211b64d041f690c0c818183e32f28ba9647dd", records[1][3])
	require.Equal(t, "2026-03-01T12:00:00Z", records[1][4])
}

func TestRegistrationsJSONL(t *testing.T) {
	data, sum, err := RegistrationsJSONL(sample(), generated)
	require.NoError(t, err)
	require.Len(t, sum, 64)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines []map[string]any
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines = append(lines, row)
	}
	require.Len(t, lines, 2)
	require.EqualValues(t, 7, lines[0]["period"])
	require.Equal(t, "0x39c3a55f68bf9f2992776991f25aac6813a4f1d0", lines[1]["loop"])

	empty, _, err := RegistrationsJSONL(nil, generated)
	require.NoError(t, err)
	require.Empty(t, empty)
}
