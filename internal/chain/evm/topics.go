package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseAddress validates a hex contract address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseTopics converts positional topic filters. Each entry is either a
// 32-byte hex hash or an event signature such as
// "Transfer(address,address,uint256)", which is hashed with keccak256.
// An empty position is a wildcard.
func ParseTopics(positions [][]string) ([][]common.Hash, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	out := make([][]common.Hash, len(positions))
	for i, pos := range positions {
		for _, raw := range pos {
			h, err := ParseTopic(raw)
			if err != nil {
				return nil, fmt.Errorf("topic position %d: %w", i, err)
			}
			out[i] = append(out[i], h)
		}
	}
	return out, nil
}

// ParseTopic converts a single topic entry.
func ParseTopic(raw string) (common.Hash, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return common.Hash{}, fmt.Errorf("empty topic")
	case strings.Contains(s, "("):
		if !strings.HasSuffix(s, ")") {
			return common.Hash{}, fmt.Errorf("malformed event signature %q", s)
		}
		return crypto.Keccak256Hash([]byte(strings.ReplaceAll(s, " ", ""))), nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		b, err := hexutil.Decode(s)
		if err != nil {
			return common.Hash{}, fmt.Errorf("topic %q: %w", s, err)
		}
		if len(b) != common.HashLength {
			return common.Hash{}, fmt.Errorf("topic %q: want %d bytes, got %d", s, common.HashLength, len(b))
		}
		return common.BytesToHash(b), nil
	default:
		return common.Hash{}, fmt.Errorf("topic %q is neither a hash nor an event signature", s)
	}
}
