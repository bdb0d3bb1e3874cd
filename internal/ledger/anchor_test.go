package ledger

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodePayload(t *testing.T) {
	payload := EncodePayload("ab12cd", "rx_1700000000000_abc123")
	assert.Equal(t, "SRM|sha256|ab12cd|rx:rx_1700000000000_abc123", string(payload))
}

func TestDecodePayloadHex(t *testing.T) {
	payload := EncodePayload("deadbeef", "rx_9")
	encoded := "0x" + hex.EncodeToString(payload)

	assert.Equal(t, string(payload), DecodePayloadHex(encoded))
	assert.Equal(t, string(payload), DecodePayloadHex(hex.EncodeToString(payload)))
}

func TestDecodePayloadHexMalformed(t *testing.T) {
	assert.Equal(t, "", DecodePayloadHex("0xzz"))
	assert.Equal(t, "", DecodePayloadHex("abc")) // odd length
	assert.Equal(t, "", DecodePayloadHex("0x"+""))
}

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "sepolia", NetworkName(big.NewInt(11155111)))
	assert.Equal(t, "polygon-amoy", NetworkName(big.NewInt(80002)))
	assert.Equal(t, "base-sepolia", NetworkName(big.NewInt(84532)))
	assert.Equal(t, "1", NetworkName(big.NewInt(1)))
}
