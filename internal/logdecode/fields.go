package logdecode

import (
	"fmt"
	"math/big"

	"github.com/compactlabs/compact-indexer/internal/lockid"
	"github.com/ethereum/go-ethereum/common"
)

// fields reads typed values out of an unpacked log, keeping the first error.
type fields struct {
	values map[string]any
	err    error
}

func (f *fields) fail(name string, format string, args ...any) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: %s", name, fmt.Sprintf(format, args...))
	}
}

func (f *fields) address(name string) common.Address {
	v, ok := f.values[name].(common.Address)
	if !ok {
		f.fail(name, "expected address, got %T", f.values[name])
	}
	return v
}

func (f *fields) bytes32(name string) common.Hash {
	v, ok := f.values[name].([32]byte)
	if !ok {
		f.fail(name, "expected bytes32, got %T", f.values[name])
	}
	return common.Hash(v)
}

func (f *fields) boolean(name string) bool {
	v, ok := f.values[name].(bool)
	if !ok {
		f.fail(name, "expected bool, got %T", f.values[name])
	}
	return v
}

func (f *fields) uint256(name string) *big.Int {
	v, ok := f.values[name].(*big.Int)
	if !ok || v == nil {
		f.fail(name, "expected uint, got %T", f.values[name])
		return new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		f.fail(name, "value %s out of range", v)
	}
	return v
}

func (f *fields) uint64(name string) uint64 {
	v := f.uint256(name)
	if !v.IsUint64() {
		f.fail(name, "value %s exceeds uint64", v)
		return 0
	}
	return v.Uint64()
}

func (f *fields) lockID(name string) lockid.ID {
	id, err := lockid.FromBig(f.uint256(name))
	if err != nil {
		f.fail(name, "%v", err)
	}
	return id
}

func (f *fields) allocatorID(name string) lockid.AllocatorID {
	v := f.uint256(name)
	id, err := lockid.AllocatorIDFromBig(v)
	if err != nil {
		f.fail(name, "%v", err)
		return lockid.AllocatorID{}
	}
	if !id.Packable() {
		f.fail(name, "value %s exceeds %d bits", v, lockid.AllocatorIDBits)
	}
	return id
}
