package chains

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnknownChain = errors.New("chains: unknown chain")

// CompactAddress is the deployment address shared by every supported chain.
var CompactAddress = common.HexToAddress("0x00000000000018DF021Ff2467dF97ff846E09f48")

// Deployment describes the contract on one chain.
type Deployment struct {
	Name       string
	ChainID    uint64
	Address    common.Address
	StartBlock uint64
}

var deployments = []Deployment{
	{Name: "mainnet", ChainID: 1, Address: CompactAddress, StartBlock: 21124904},
	{Name: "sepolia", ChainID: 11155111, Address: CompactAddress, StartBlock: 7020093},
	{Name: "base", ChainID: 8453, Address: CompactAddress, StartBlock: 22031390},
	{Name: "baseSepolia", ChainID: 84532, Address: CompactAddress, StartBlock: 17541891},
	{Name: "optimism", ChainID: 10, Address: CompactAddress, StartBlock: 127708222},
	{Name: "optimismSepolia", ChainID: 11155420, Address: CompactAddress, StartBlock: 19606376},
	{Name: "unichainSepolia", ChainID: 1301, Address: CompactAddress, StartBlock: 3999509},
}

// All returns the known deployments ordered by chain id.
func All() []Deployment {
	out := append([]Deployment(nil), deployments...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func Lookup(chainID uint64) (Deployment, error) {
	for _, d := range deployments {
		if d.ChainID == chainID {
			return d, nil
		}
	}
	return Deployment{}, fmt.Errorf("%w: id %d", ErrUnknownChain, chainID)
}

// ByName matches names case-insensitively.
func ByName(name string) (Deployment, error) {
	name = strings.TrimSpace(name)
	for _, d := range deployments {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return Deployment{}, fmt.Errorf("%w: %q", ErrUnknownChain, name)
}

// ParseCSV resolves a comma separated list of chain names or numeric ids.
// Duplicates are dropped; order of first appearance is kept.
func ParseCSV(s string) ([]Deployment, error) {
	var out []Deployment
	seen := make(map[uint64]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var (
			d   Deployment
			err error
		)
		if id, perr := strconv.ParseUint(part, 10, 64); perr == nil {
			d, err = Lookup(id)
		} else {
			d, err = ByName(part)
		}
		if err != nil {
			return nil, err
		}
		if _, ok := seen[d.ChainID]; ok {
			continue
		}
		seen[d.ChainID] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// Set is a lookup of enabled chains.
type Set map[uint64]Deployment

func NewSet(ds []Deployment) Set {
	s := make(Set, len(ds))
	for _, d := range ds {
		s[d.ChainID] = d
	}
	return s
}

func (s Set) Contains(chainID uint64) bool {
	_, ok := s[chainID]
	return ok
}

// IDs returns the chain ids in ascending order.
func (s Set) IDs() []uint64 {
	out := make([]uint64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
