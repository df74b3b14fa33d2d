package nft

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// TransferTopic is topic 0 of every ERC-721 Transfer log.
var TransferTopic = utils.GetEventSignature(TransferSignature)

// DecodeTransfer decodes an ERC-721 Transfer log. The token id is read from
// the fourth topic when indexed, otherwise from the first data word.
func DecodeTransfer(log types.Log) (models.TransferEvent, error) {
	if len(log.Topics) < 3 {
		return models.TransferEvent{}, fmt.Errorf("transfer log has %d topics, want at least 3", len(log.Topics))
	}
	if log.Topics[0] != TransferTopic {
		return models.TransferEvent{}, fmt.Errorf("unexpected event topic %s", log.Topics[0].Hex())
	}

	event := models.TransferEvent{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
	}

	switch {
	case len(log.Topics) >= 4:
		event.TokenID = new(big.Int).SetBytes(log.Topics[3].Bytes())
	case len(log.Data) >= common.HashLength:
		event.TokenID = new(big.Int).SetBytes(log.Data[:common.HashLength])
	default:
		return models.TransferEvent{}, fmt.Errorf("transfer log carries no token id")
	}

	return event, nil
}
