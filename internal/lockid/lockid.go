package lockid

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidID          = errors.New("lockid: invalid id")
	ErrInvalidResetPeriod = errors.New("lockid: invalid reset period")
	ErrInvalidAllocatorID = errors.New("lockid: invalid allocator id")
)

// ID is a 256-bit resource lock identifier stored big-endian.
//
// Layout, most significant bit first:
//
//	bit 255       scope (0 = multichain, 1 = chain-specific)
//	bits 252..254 reset period index
//	bits 160..251 allocator numeric id (92 bits)
//	bits 0..159   token address
type ID [32]byte

// AllocatorIDBits is the width of the allocator id field packed into an ID.
const AllocatorIDBits = 92

type Scope uint8

const (
	ScopeMultichain Scope = iota
	ScopeChainSpecific
)

func (s Scope) String() string {
	switch s {
	case ScopeMultichain:
		return "Multichain"
	case ScopeChainSpecific:
		return "ChainSpecific"
	default:
		return fmt.Sprintf("Scope(%d)", uint8(s))
	}
}

type ResetPeriod uint8

const (
	ResetPeriodOneSecond ResetPeriod = iota
	ResetPeriodFifteenSeconds
	ResetPeriodOneMinute
	ResetPeriodTenMinutes
	ResetPeriodOneHourAndFiveMinutes
	ResetPeriodOneDay
	ResetPeriodSevenDaysAndOneHour
	ResetPeriodThirtyDays
)

var resetPeriods = [...]struct {
	name    string
	seconds uint64
}{
	{"OneSecond", 1},
	{"FifteenSeconds", 15},
	{"OneMinute", 60},
	{"TenMinutes", 600},
	{"OneHourAndFiveMinutes", 3900},
	{"OneDay", 86400},
	{"SevenDaysAndOneHour", 612000},
	{"ThirtyDays", 2592000},
}

// ResetPeriodFromIndex maps a raw index onto the fixed period table.
func ResetPeriodFromIndex(i uint8) (ResetPeriod, error) {
	if int(i) >= len(resetPeriods) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidResetPeriod, i)
	}
	return ResetPeriod(i), nil
}

func (p ResetPeriod) Valid() bool {
	return int(p) < len(resetPeriods)
}

// Seconds returns the cooldown length, or 0 for an invalid period.
func (p ResetPeriod) Seconds() uint64 {
	if !p.Valid() {
		return 0
	}
	return resetPeriods[p].seconds
}

func (p ResetPeriod) Duration() time.Duration {
	return time.Duration(p.Seconds()) * time.Second
}

func (p ResetPeriod) String() string {
	if !p.Valid() {
		return fmt.Sprintf("ResetPeriod(%d)", uint8(p))
	}
	return resetPeriods[p].name
}

// AllocatorID is an allocator's numeric id (uint96 on the wire), stored big-endian.
type AllocatorID [12]byte

func AllocatorIDFromUint64(v uint64) AllocatorID {
	var out AllocatorID
	for i := 0; i < 8; i++ {
		out[11-i] = byte(v >> (8 * i))
	}
	return out
}

func AllocatorIDFromBig(v *big.Int) (AllocatorID, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 96 {
		return AllocatorID{}, fmt.Errorf("%w: value out of uint96 range", ErrInvalidAllocatorID)
	}
	var out AllocatorID
	v.FillBytes(out[:])
	return out, nil
}

// Packable reports whether the id fits the 92-bit field of a lock id.
func (a AllocatorID) Packable() bool {
	return a[0]&0xf0 == 0
}

func (a AllocatorID) Big() *big.Int {
	return new(big.Int).SetBytes(a[:])
}

func (a AllocatorID) String() string {
	return a.Big().String()
}

func (a AllocatorID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AllocatorID) UnmarshalText(b []byte) error {
	v, err := parseUint(string(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAllocatorID, err)
	}
	out, err := AllocatorIDFromBig(v)
	if err != nil {
		return err
	}
	*a = out
	return nil
}

// Fields are the components packed into a lock id.
type Fields struct {
	Token       common.Address
	AllocatorID AllocatorID
	ResetPeriod ResetPeriod
	Scope       Scope
}

func (f Fields) IsMultichain() bool {
	return f.Scope == ScopeMultichain
}

// Decode splits id into its packed components.
func Decode(id ID) (Fields, error) {
	period, err := ResetPeriodFromIndex((id[0] >> 4) & 0x07)
	if err != nil {
		return Fields{}, err
	}

	var f Fields
	f.Scope = Scope(id[0] >> 7)
	f.ResetPeriod = period
	copy(f.AllocatorID[:], id[:12])
	f.AllocatorID[0] &= 0x0f
	copy(f.Token[:], id[12:])
	return f, nil
}

// Encode is the inverse of Decode.
func Encode(f Fields) (ID, error) {
	if !f.ResetPeriod.Valid() {
		return ID{}, fmt.Errorf("%w: index %d out of range", ErrInvalidResetPeriod, uint8(f.ResetPeriod))
	}
	if f.Scope > ScopeChainSpecific {
		return ID{}, fmt.Errorf("%w: unknown scope %d", ErrInvalidID, uint8(f.Scope))
	}
	if !f.AllocatorID.Packable() {
		return ID{}, fmt.Errorf("%w: allocator id exceeds %d bits", ErrInvalidAllocatorID, AllocatorIDBits)
	}

	var id ID
	copy(id[:12], f.AllocatorID[:])
	id[0] |= byte(f.Scope)<<7 | byte(f.ResetPeriod)<<4
	copy(id[12:], f.Token[:])
	return id, nil
}

func FromBig(v *big.Int) (ID, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return ID{}, fmt.Errorf("%w: value out of uint256 range", ErrInvalidID)
	}
	var id ID
	v.FillBytes(id[:])
	return id, nil
}

// Parse accepts a decimal string or a 0x-prefixed hex string.
func Parse(s string) (ID, error) {
	v, err := parseUint(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return FromBig(v)
}

func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

func (id ID) Hash() common.Hash {
	return common.Hash(id)
}

func (id ID) Hex() string {
	return common.Hash(id).Hex()
}

// String renders the id in decimal, the form explorers and the contract ABI tooling use.
func (id ID) String() string {
	return id.Big().String()
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	out, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = out
	return nil
}

func parseUint(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty value")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("parse %q as base-%d integer", s, base)
	}
	if v.Sign() < 0 {
		return nil, errors.New("negative value")
	}
	return v, nil
}
