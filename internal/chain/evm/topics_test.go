package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func transferTopic() common.Hash {
	return crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
}

func TestParseTopics(t *testing.T) {
	raw := transferTopic().Hex()
	got, err := ParseTopics([][]string{
		{"Transfer(address, address, uint256)"},
		{},
		{raw, "0x" + "00000000000000000000000000000000000000000000000000000000000000ff"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(got))
	}
	if got[0][0] != transferTopic() {
		t.Fatalf("signature not hashed: %s", got[0][0].Hex())
	}
	if got[1] != nil {
		t.Fatalf("empty position should stay a wildcard")
	}
	if got[2][0] != transferTopic() || got[2][1] != common.HexToHash("0xff") {
		t.Fatalf("hex topics not parsed: %+v", got[2])
	}
}

func TestParseTopicRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "Transfer(address", "hello", "0xzz"} {
		if _, err := ParseTopic(raw); err == nil {
			t.Errorf("ParseTopic(%q) should fail", raw)
		}
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ParseAddress("0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if _, err := ParseAddress("0x123"); err == nil {
		t.Fatalf("short address accepted")
	}
}
