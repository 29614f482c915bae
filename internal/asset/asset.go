// Package asset encodes and parses Hyperdrive multi-token asset ids.
//
// Every position the pool issues is an ERC-1155 style token whose id packs
// a one-byte prefix above a maturity timestamp:
//
//	id = prefix << 248 | maturity
//
// LP and withdrawal shares carry a zero maturity.
package asset

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Prefix identifies the kind of token.
type Prefix uint8

const (
	PrefixLP Prefix = iota
	PrefixLong
	PrefixShort
	PrefixWithdrawalShare
)

var prefixNames = map[Prefix]string{
	PrefixLP:              "LP",
	PrefixLong:            "LONG",
	PrefixShort:           "SHORT",
	PrefixWithdrawalShare: "WITHDRAWAL_SHARE",
}

var prefixByName = map[string]Prefix{
	"LP":               PrefixLP,
	"LONG":             PrefixLong,
	"SHORT":            PrefixShort,
	"WITHDRAWAL_SHARE": PrefixWithdrawalShare,
}

func (p Prefix) String() string {
	if name, ok := prefixNames[p]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(p)) + ")"
}

// nameRegex matches: {PREFIX} or {PREFIX}-{maturity}
// Example: LONG-1700006400
var nameRegex = regexp.MustCompile(`^([A-Z_]+)(?:-(\d+))?$`)

// maturityMask keeps the low 248 bits.
var maturityMask = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 248), uint256.NewInt(1))

var (
	ErrInvalidID     = errors.New("asset: invalid asset id")
	ErrInvalidPrefix = errors.New("asset: unknown asset prefix")
)

// ID is a decoded asset id.
type ID struct {
	Prefix   Prefix `json:"prefix"`
	Maturity int64  `json:"maturity"`
}

// Long returns the id of a long maturing at maturity.
func Long(maturity int64) ID { return ID{Prefix: PrefixLong, Maturity: maturity} }

// Short returns the id of a short maturing at maturity.
func Short(maturity int64) ID { return ID{Prefix: PrefixShort, Maturity: maturity} }

// LP is the id of the pool's LP share token.
var LP = ID{Prefix: PrefixLP}

// Encode packs the id into its 256-bit on-chain form.
func (id ID) Encode() *uint256.Int {
	v := new(uint256.Int).Lsh(uint256.NewInt(uint64(id.Prefix)), 248)
	return v.Or(v, uint256.NewInt(uint64(id.Maturity)))
}

// Hex returns the 0x-prefixed hex form used in event logs.
func (id ID) Hex() string {
	return hexutil.EncodeBig(id.Encode().ToBig())
}

// String returns the readable name, e.g. LONG-1700006400.
func (id ID) String() string {
	if id.Maturity == 0 {
		return id.Prefix.String()
	}
	return fmt.Sprintf("%s-%d", id.Prefix, id.Maturity)
}

// Decode unpacks a 256-bit asset id.
func Decode(v *uint256.Int) (ID, error) {
	prefix := Prefix(new(uint256.Int).Rsh(v, 248).Uint64())
	if _, ok := prefixNames[prefix]; !ok {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidPrefix, prefix)
	}
	maturity := new(uint256.Int).And(v, maturityMask)
	if !maturity.IsUint64() || maturity.Uint64() > 1<<63-1 {
		return ID{}, fmt.Errorf("%w: maturity out of range in %s", ErrInvalidID, v.Hex())
	}
	return ID{Prefix: prefix, Maturity: int64(maturity.Uint64())}, nil
}

// DecodeHex decodes the 0x-prefixed form returned by Hex.
func DecodeHex(s string) (ID, error) {
	b, err := hexutil.DecodeBig(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %s: %v", ErrInvalidID, s, err)
	}
	return DecodeBig(b)
}

// DecodeBig decodes an id held in a big.Int, as ABI bindings return it.
func DecodeBig(b *big.Int) (ID, error) {
	if b.Sign() < 0 {
		return ID{}, fmt.Errorf("%w: negative id", ErrInvalidID)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return ID{}, fmt.Errorf("%w: id exceeds 256 bits", ErrInvalidID)
	}
	return Decode(v)
}

// Parse parses a readable name produced by String.
func Parse(name string) (ID, error) {
	matches := nameRegex.FindStringSubmatch(name)
	if matches == nil {
		return ID{}, fmt.Errorf("%w: %q (expected {PREFIX}-{maturity})", ErrInvalidID, name)
	}

	prefix, ok := prefixByName[matches[1]]
	if !ok {
		return ID{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, matches[1])
	}

	var maturity int64
	if matches[2] != "" {
		m, err := strconv.ParseInt(matches[2], 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("%w: maturity %s", ErrInvalidID, matches[2])
		}
		maturity = m
	}
	if (prefix == PrefixLong || prefix == PrefixShort) && maturity == 0 {
		return ID{}, fmt.Errorf("%w: %s requires a maturity", ErrInvalidID, prefix)
	}

	return ID{Prefix: prefix, Maturity: maturity}, nil
}
