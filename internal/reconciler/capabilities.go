package reconciler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/nft"
)

// BalanceReader reads ERC-721 balanceOf
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// OwnerReader reads ERC-721 ownerOf
type OwnerReader interface {
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
}

// TransferLogReader queries Transfer events by recipient and by sender
type TransferLogReader interface {
	TransfersTo(ctx context.Context, account common.Address) ([]models.TransferEvent, error)
	TransfersFrom(ctx context.Context, account common.Address) ([]models.TransferEvent, error)
}

// IndexEnumerator reads ERC721Enumerable tokenOfOwnerByIndex
type IndexEnumerator interface {
	TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error)
}

// URIReader reads tokenURI
type URIReader interface {
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)
}

// CreatorReader reads the MemeMorph creators mapping
type CreatorReader interface {
	Creators(ctx context.Context, tokenID *big.Int) (common.Address, error)
}

// SupportReporter is implemented by handles whose method set is decided at
// runtime, such as ABI-bound contracts. A handle that does not implement it
// supports every interface it satisfies.
type SupportReporter interface {
	Supports(name string) bool
}

// Path is the enumeration strategy a reconciliation takes
type Path string

const (
	PathEventLog         Path = "event_log"
	PathIndexEnumeration Path = "index_enumeration"
	PathUnsupported      Path = "unsupported"
)

// Capabilities is what a contract handle can do, detected once per pass.
// A nil field means the capability is absent.
type Capabilities struct {
	Balance   BalanceReader
	Owner     OwnerReader
	Transfers TransferLogReader
	Index     IndexEnumerator
	URI       URIReader
	Creator   CreatorReader
}

// DetectCapabilities inspects handle without making any calls
func DetectCapabilities(handle interface{}) Capabilities {
	reporter, _ := handle.(SupportReporter)
	supports := func(name string) bool {
		return reporter == nil || reporter.Supports(name)
	}

	var caps Capabilities
	if r, ok := handle.(BalanceReader); ok && supports(nft.MethodBalanceOf) {
		caps.Balance = r
	}
	if r, ok := handle.(OwnerReader); ok && supports(nft.MethodOwnerOf) {
		caps.Owner = r
	}
	if r, ok := handle.(TransferLogReader); ok && supports(nft.EventTransfer) {
		caps.Transfers = r
	}
	if r, ok := handle.(IndexEnumerator); ok && supports(nft.MethodTokenOfOwnerByIndex) {
		caps.Index = r
	}
	if r, ok := handle.(URIReader); ok && supports(nft.MethodTokenURI) {
		caps.URI = r
	}
	if r, ok := handle.(CreatorReader); ok && supports(nft.MethodCreators) {
		caps.Creator = r
	}
	return caps
}

// Missing lists the required methods the handle lacks
func (c Capabilities) Missing() []string {
	var missing []string
	if c.Balance == nil {
		missing = append(missing, nft.MethodBalanceOf)
	}
	if c.Owner == nil {
		missing = append(missing, nft.MethodOwnerOf)
	}
	return missing
}

// Path picks event logs when available, then index enumeration
func (c Capabilities) Path() Path {
	switch {
	case c.Transfers != nil:
		return PathEventLog
	case c.Index != nil:
		return PathIndexEnumeration
	default:
		return PathUnsupported
	}
}
