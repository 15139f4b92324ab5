package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// tronAddressPrefix is the version byte of mainnet Tron addresses
const tronAddressPrefix = 0x41

// Address is a universe-neutral 32-byte address. 20-byte EVM and Tron
// addresses are left padded with zeros.
type Address [32]byte

// ZeroAddress is used for the native currency of a chain
var ZeroAddress Address

// AddressFromEVM pads an EVM address to 32 bytes
func AddressFromEVM(a common.Address) Address {
	var out Address
	copy(out[12:], a.Bytes())
	return out
}

// AddressFromBytes left-pads b into an Address
func AddressFromBytes(b []byte) (Address, error) {
	var out Address
	if len(b) > len(out) {
		return out, fmt.Errorf("address too long: %d bytes", len(b))
	}
	copy(out[len(out)-len(b):], b)
	return out, nil
}

// EVM returns the low 20 bytes as an EVM address
func (a Address) EVM() common.Address {
	return common.BytesToAddress(a[12:])
}

// Bytes returns a copy of the full 32 bytes
func (a Address) Bytes() []byte {
	out := make([]byte, len(a))
	copy(out, a[:])
	return out
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Hex returns the 0x-prefixed 32-byte hex form
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

// Format renders the address the way wallets of universe u display it
func (a Address) Format(u Universe) string {
	switch u {
	case UniverseEVM:
		return a.EVM().Hex()
	case UniverseTron:
		return encodeTron(a[12:])
	case UniverseSolana:
		return base58.Encode(a[:])
	default:
		return a.Hex()
	}
}

// ParseAddress parses a human readable address of universe u
func ParseAddress(u Universe, s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch u {
	case UniverseEVM:
		if !common.IsHexAddress(s) {
			return Address{}, fmt.Errorf("invalid evm address: %s", s)
		}
		return AddressFromEVM(common.HexToAddress(s)), nil
	case UniverseTron:
		if strings.HasPrefix(s, "0x") {
			if !common.IsHexAddress(s) {
				return Address{}, fmt.Errorf("invalid tron address: %s", s)
			}
			return AddressFromEVM(common.HexToAddress(s)), nil
		}
		raw, err := decodeTron(s)
		if err != nil {
			return Address{}, err
		}
		return AddressFromBytes(raw)
	case UniverseSolana:
		raw, err := base58.Decode(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid solana address %s: %w", s, err)
		}
		if len(raw) != 32 {
			return Address{}, fmt.Errorf("invalid solana address length: %d", len(raw))
		}
		return AddressFromBytes(raw)
	default:
		return Address{}, fmt.Errorf("unsupported universe: %s", u)
	}
}

func encodeTron(addr []byte) string {
	payload := append([]byte{tronAddressPrefix}, addr...)
	return base58.Encode(append(payload, tronChecksum(payload)...))
}

func decodeTron(s string) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid tron address %s: %w", s, err)
	}
	if len(raw) != 25 || raw[0] != tronAddressPrefix {
		return nil, fmt.Errorf("invalid tron address: %s", s)
	}
	payload, sum := raw[:21], raw[21:]
	if string(tronChecksum(payload)) != string(sum) {
		return nil, fmt.Errorf("bad tron address checksum: %s", s)
	}
	return payload[1:], nil
}

func tronChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
