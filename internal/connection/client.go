package connection

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// ChainClient exposes the read-only calls the contract handles need,
// resolving the live client from the manager on every call.
type ChainClient struct {
	manager        Manager
	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// NewChainClient creates a new chain client wrapper
func NewChainClient(manager Manager, metricsManager *metrics.Manager) *ChainClient {
	return &ChainClient{
		manager:        manager,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("chain_client"),
	}
}

// CallContract executes an eth_call against the latest block
func (cc *ChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	start := time.Now()
	client, err := cc.manager.GetClientWithContext(ctx)
	if err != nil {
		cc.record("eth_call", err, start)
		return nil, err
	}

	out, err := client.CallContract(ctx, msg, blockNumber)
	cc.record("eth_call", err, start)
	if err != nil {
		cc.logger.WithError(err).Debug("Contract call failed")
		return nil, err
	}
	return out, nil
}

// FilterLogs runs an eth_getLogs query
func (cc *ChainClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	client, err := cc.manager.GetClientWithContext(ctx)
	if err != nil {
		cc.record("eth_getLogs", err, start)
		return nil, err
	}

	logs, err := client.FilterLogs(ctx, query)
	cc.record("eth_getLogs", err, start)
	if err != nil {
		cc.logger.WithError(err).Warn("Failed to filter logs")
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Failed to filter logs", err.Error())
	}

	cc.logger.WithField("count", len(logs)).Debug("Filtered logs")
	return logs, nil
}

// BlockNumber returns the latest block number
func (cc *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := cc.manager.GetLatestBlockNumber(ctx)
	cc.record("eth_blockNumber", err, start)
	return n, err
}

// ChainID returns the chain id of the connected node
func (cc *ChainClient) ChainID(ctx context.Context) (uint64, error) {
	start := time.Now()
	id, err := cc.manager.GetChainID(ctx)
	cc.record("eth_chainId", err, start)
	return id, err
}

func (cc *ChainClient) record(method string, err error, start time.Time) {
	if cc.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	cc.metricsManager.GetPrometheusMetrics().RecordRPCRequest(cc.manager.CurrentURL(), method, status, time.Since(start))
}
