package wallet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// DecodeTransactionBytes decodes a serialized transaction whose encoding the
// provider does not guarantee: base64, base58, or a JSON byte array, tried in
// that order.
func DecodeTransactionBytes(data string) ([]byte, error) {
	input := strings.TrimSpace(data)
	if input == "" {
		return nil, fmt.Errorf("empty transaction data")
	}

	if raw, err := base64.StdEncoding.DecodeString(input); err == nil {
		return raw, nil
	}
	if raw, err := base58.Decode(input); err == nil {
		return raw, nil
	}

	var nums []int
	if err := json.Unmarshal([]byte(input), &nums); err == nil {
		raw := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("byte array element %d out of range", n)
			}
			raw[i] = byte(n)
		}
		return raw, nil
	}

	return nil, fmt.Errorf("unrecognized transaction format")
}

// privateKeyFromJSONArray parses the solana-keygen JSON byte-array format.
func privateKeyFromJSONArray(s string) (solana.PrivateKey, error) {
	var nums []int
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &nums); err != nil {
		return nil, err
	}
	raw := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("byte %d out of range", n)
		}
		raw[i] = byte(n)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("keypair must be 64 bytes, got %d", len(raw))
	}
	return solana.PrivateKey(raw), nil
}
