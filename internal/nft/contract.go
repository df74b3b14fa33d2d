package nft

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// Backend is the read-only chain surface a contract handle needs.
// connection.ChainClient satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Contract is an ABI-bound ERC-721 handle. Only methods declared by its ABI
// are reported by Supports; calling an undeclared method fails with a
// CAPABILITY_MISSING error without touching the backend.
type Contract struct {
	address   common.Address
	abi       abi.ABI
	backend   Backend
	fromBlock uint64
	chunkSize uint64
	logger    *logrus.Entry
}

// Option configures a Contract
type Option func(*Contract)

// WithFromBlock sets the first block scanned for Transfer logs.
func WithFromBlock(block uint64) Option {
	return func(c *Contract) { c.fromBlock = block }
}

// WithLogChunkSize splits Transfer log scans into windows of size blocks.
func WithLogChunkSize(size uint64) Option {
	return func(c *Contract) { c.chunkSize = size }
}

// NewContract binds address and parsed ABI to backend
func NewContract(address common.Address, parsed abi.ABI, backend Backend, opts ...Option) *Contract {
	c := &Contract{
		address: address,
		abi:     parsed,
		backend: backend,
		logger:  utils.ComponentLogger("nft").WithField("contract", address.Hex()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the contract address
func (c *Contract) Address() common.Address {
	return c.address
}

// Supports reports whether the ABI declares the named method, or for
// "Transfer", the standard ERC-721 Transfer event.
func (c *Contract) Supports(name string) bool {
	if name == EventTransfer {
		event, ok := c.abi.Events[EventTransfer]
		return ok && event.Sig == TransferSignature
	}
	_, ok := c.abi.Methods[name]
	return ok
}

// BalanceOf returns the number of tokens held by owner
func (c *Contract) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, MethodBalanceOf, owner)
	if err != nil {
		return nil, err
	}
	return unpackBig(MethodBalanceOf, out)
}

// OwnerOf returns the current owner of tokenID
func (c *Contract) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := c.call(ctx, MethodOwnerOf, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return unpackAddress(MethodOwnerOf, out)
}

// TokenURI returns the metadata URI of tokenID
func (c *Contract) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	out, err := c.call(ctx, MethodTokenURI, tokenID)
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", unexpectedOutput(MethodTokenURI, out[0])
	}
	return uri, nil
}

// Creators returns the address that minted tokenID
func (c *Contract) Creators(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := c.call(ctx, MethodCreators, tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return unpackAddress(MethodCreators, out)
}

// TokenOfOwnerByIndex returns the index-th token held by owner
func (c *Contract) TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, MethodTokenOfOwnerByIndex, owner, index)
	if err != nil {
		return nil, err
	}
	return unpackBig(MethodTokenOfOwnerByIndex, out)
}

// Claimable reports whether tokenID can still be claimed
func (c *Contract) Claimable(ctx context.Context, tokenID *big.Int) (bool, error) {
	out, err := c.call(ctx, MethodClaimable, tokenID)
	if err != nil {
		return false, err
	}
	claimable, ok := out[0].(bool)
	if !ok {
		return false, unexpectedOutput(MethodClaimable, out[0])
	}
	return claimable, nil
}

// TransfersTo returns Transfer events whose recipient is account
func (c *Contract) TransfersTo(ctx context.Context, account common.Address) ([]models.TransferEvent, error) {
	return c.transfers(ctx, nil, &account)
}

// TransfersFrom returns Transfer events whose sender is account
func (c *Contract) TransfersFrom(ctx context.Context, account common.Address) ([]models.TransferEvent, error) {
	return c.transfers(ctx, &account, nil)
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if !c.Supports(method) {
		return nil, utils.NewAppError(utils.ErrCodeCapabilityMissing,
			"Contract does not implement "+method, c.address.Hex())
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Failed to pack "+method, err.Error())
	}

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, method+" call failed", err.Error())
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to unpack "+method, err.Error())
	}
	if len(out) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, method+" returned no values", "")
	}
	return out, nil
}

// transfers scans Transfer logs with the given sender/recipient topics,
// in block windows when a chunk size is configured.
func (c *Contract) transfers(ctx context.Context, from, to *common.Address) ([]models.TransferEvent, error) {
	if !c.Supports(EventTransfer) {
		return nil, utils.NewAppError(utils.ErrCodeCapabilityMissing,
			"Contract does not emit Transfer events", c.address.Hex())
	}

	topics := [][]common.Hash{{c.abi.Events[EventTransfer].ID}, nil, nil}
	if from != nil {
		topics[1] = []common.Hash{utils.AddressTopic(*from)}
	}
	if to != nil {
		topics[2] = []common.Hash{utils.AddressTopic(*to)}
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    topics,
		FromBlock: new(big.Int).SetUint64(c.fromBlock),
	}

	var logs []types.Log
	if c.chunkSize == 0 {
		found, err := c.backend.FilterLogs(ctx, query)
		if err != nil {
			return nil, err
		}
		logs = found
	} else {
		latest, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		for start := c.fromBlock; start <= latest; start += c.chunkSize {
			end := start + c.chunkSize - 1
			if end > latest {
				end = latest
			}
			query.FromBlock = new(big.Int).SetUint64(start)
			query.ToBlock = new(big.Int).SetUint64(end)

			found, err := c.backend.FilterLogs(ctx, query)
			if err != nil {
				return nil, err
			}
			logs = append(logs, found...)
		}
	}

	events := make([]models.TransferEvent, 0, len(logs))
	for _, log := range logs {
		event, err := DecodeTransfer(log)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"tx_hash":   log.TxHash.Hex(),
				"log_index": log.Index,
			}).WithError(err).Warn("Skipping malformed Transfer log")
			continue
		}
		events = append(events, event)
	}

	c.logger.WithFields(logrus.Fields{
		"logs":   len(logs),
		"events": len(events),
	}).Debug("Scanned Transfer logs")

	return events, nil
}

func unpackBig(method string, out []interface{}) (*big.Int, error) {
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, unexpectedOutput(method, out[0])
	}
	return value, nil
}

func unpackAddress(method string, out []interface{}) (common.Address, error) {
	value, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, unexpectedOutput(method, out[0])
	}
	return value, nil
}

func unexpectedOutput(method string, value interface{}) error {
	return utils.NewAppError(utils.ErrCodeBlockchain,
		"Unexpected "+method+" output", fmt.Sprintf("%T", value))
}
