package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferEvent is a decoded ERC-721 Transfer log
type TransferEvent struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	TokenID     *big.Int       `json:"tokenId"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint           `json:"log_index"`
	TxHash      common.Hash    `json:"tx_hash"`
}

// IsMint reports whether the transfer came from the zero address.
func (e TransferEvent) IsMint() bool {
	return e.From == (common.Address{})
}
