package lockid

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// LockKey scopes a lock id to the chain it was minted on.
type LockKey struct {
	ChainID uint64
	ID      ID
}

func (k LockKey) String() string {
	return fmt.Sprintf("%s-%d", k.ID, k.ChainID)
}

// TokenKey scopes a token address to a chain.
type TokenKey struct {
	ChainID uint64
	Token   common.Address
}

func (k TokenKey) String() string {
	return fmt.Sprintf("%s-%d", k.Token.Hex(), k.ChainID)
}

// AllocatorKey is the per-chain numeric id slot an allocator registers into.
type AllocatorKey struct {
	ChainID     uint64
	AllocatorID AllocatorID
}

func (k AllocatorKey) String() string {
	return fmt.Sprintf("%s-%d", k.AllocatorID, k.ChainID)
}

// AccountLockKey addresses one account's balance in one lock.
type AccountLockKey struct {
	Account common.Address
	Lock    LockKey
}

// AccountTokenKey addresses one account's aggregate balance of one token.
type AccountTokenKey struct {
	Account common.Address
	Token   TokenKey
}

// ClaimKey is the content-hash key of claim and compact registration records.
type ClaimKey struct {
	ChainID   uint64
	ClaimHash common.Hash
}

func KeyOf(chainID uint64, id ID) LockKey {
	return LockKey{ChainID: chainID, ID: id}
}

func (f Fields) TokenKey(chainID uint64) TokenKey {
	return TokenKey{ChainID: chainID, Token: f.Token}
}

func (f Fields) AllocatorKey(chainID uint64) AllocatorKey {
	return AllocatorKey{ChainID: chainID, AllocatorID: f.AllocatorID}
}
