package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loop/core/types"
)

// Registration is one subject registered for a loop period.
type Registration struct {
	ChainID uint64
	Loop    common.Address
	Period  uint64
	Address common.Address
}

// RegistrationsCSV builds a CSV export of registrations and returns the
// payload alongside its SHA-256 checksum.
func RegistrationsCSV(entries []Registration, generated time.Time) ([]byte, string, error) {
	if generated.IsZero() {
		generated = time.Now()
	}
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"chain_id", "loop", "period", "address", "generated_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	stamp := generated.UTC().Format(time.RFC3339Nano)
	for _, entry := range entries {
		record := []string{
			strconv.FormatUint(entry.ChainID, 10),
			types.LowerHex(entry.Loop),
			strconv.FormatUint(entry.Period, 10),
			types.LowerHex(entry.Address),
			stamp,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	return checksum(buffer.Bytes())
}

// RegistrationsJSONL builds a JSON Lines export of registrations.
func RegistrationsJSONL(entries []Registration, generated time.Time) ([]byte, string, error) {
	if generated.IsZero() {
		generated = time.Now()
	}
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	stamp := generated.UTC().Format(time.RFC3339Nano)
	for _, entry := range entries {
		payload := map[string]interface{}{
			"chain_id":     entry.ChainID,
			"loop":         types.LowerHex(entry.Loop),
			"period":       entry.Period,
			"address":      types.LowerHex(entry.Address),
			"generated_at": stamp,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	return checksum(buffer.Bytes())
}

func checksum(data []byte) ([]byte, string, error) {
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
