package attestation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MessageLength is the size of the packed (subject, targetPeriod, loop) tuple.
const MessageLength = common.AddressLength + 32 + common.AddressLength

// PackMessage reproduces abi.encodePacked(address, uint256, address): the raw
// 20-byte subject, the big-endian 32-byte period and the raw 20-byte loop.
func PackMessage(subject common.Address, targetPeriod uint64, loop common.Address) []byte {
	out := make([]byte, 0, MessageLength)
	out = append(out, subject.Bytes()...)
	period := uint256.NewInt(targetPeriod).Bytes32()
	out = append(out, period[:]...)
	out = append(out, loop.Bytes()...)
	return out
}

// Digest returns keccak256 of the packed message.
func Digest(subject common.Address, targetPeriod uint64, loop common.Address) common.Hash {
	return crypto.Keccak256Hash(PackMessage(subject, targetPeriod, loop))
}
