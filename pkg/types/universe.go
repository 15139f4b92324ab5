package types

import (
	"fmt"
	"strings"
)

// Universe identifies a family of chains sharing an address format and signing scheme.
// The numeric value is the ordinal used in the canonical request encoding.
type Universe uint8

const (
	UniverseEVM Universe = iota
	UniverseTron
	UniverseSolana
)

// Universes lists every supported universe in encoding order
var Universes = []Universe{UniverseEVM, UniverseTron, UniverseSolana}

func (u Universe) String() string {
	switch u {
	case UniverseEVM:
		return "evm"
	case UniverseTron:
		return "tron"
	case UniverseSolana:
		return "solana"
	default:
		return fmt.Sprintf("universe(%d)", uint8(u))
	}
}

// Valid reports whether u is a known universe
func (u Universe) Valid() bool {
	switch u {
	case UniverseEVM, UniverseTron, UniverseSolana:
		return true
	default:
		return false
	}
}

// ParseUniverse parses a universe name as written in configuration files
func ParseUniverse(s string) (Universe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evm", "ethereum", "":
		return UniverseEVM, nil
	case "tron":
		return UniverseTron, nil
	case "solana", "sol":
		return UniverseSolana, nil
	default:
		return 0, fmt.Errorf("unknown universe: %s", s)
	}
}
