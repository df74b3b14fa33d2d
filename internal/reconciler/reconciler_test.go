package reconciler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/nft"
	"github.com/smartdevs17/mememorph/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ BalanceReader     = (*nft.Contract)(nil)
	_ OwnerReader       = (*nft.Contract)(nil)
	_ TransferLogReader = (*nft.Contract)(nil)
	_ IndexEnumerator   = (*nft.Contract)(nil)
	_ URIReader         = (*nft.Contract)(nil)
	_ CreatorReader     = (*nft.Contract)(nil)
	_ SupportReporter   = (*nft.Contract)(nil)
)

var (
	account = common.HexToAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	other   = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
	artist  = common.HexToAddress("0x27b1fdb04752bbc536007a920d24acb045561c26")
)

// fakeHandle implements every capability; supported narrows what it reports.
type fakeHandle struct {
	mu        sync.Mutex
	supported map[string]bool

	balance    int64
	balanceErr error
	in, out    []models.TransferEvent
	logErr     error
	owners     map[int64]common.Address
	uris       map[int64]string
	creators   map[int64]common.Address
	byIndex    map[int64]int64
	calls      map[string]int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		owners:   map[int64]common.Address{},
		uris:     map[int64]string{},
		creators: map[int64]common.Address{},
		byIndex:  map[int64]int64{},
		calls:    map[string]int{},
	}
}

func (f *fakeHandle) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeHandle) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeHandle) Supports(name string) bool {
	if f.supported == nil {
		return true
	}
	return f.supported[name]
}

func (f *fakeHandle) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	f.count(nft.MethodBalanceOf)
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return big.NewInt(f.balance), nil
}

func (f *fakeHandle) OwnerOf(ctx context.Context, id *big.Int) (common.Address, error) {
	f.count(nft.MethodOwnerOf)
	owner, ok := f.owners[id.Int64()]
	if !ok {
		return common.Address{}, errors.New("execution reverted: invalid token ID")
	}
	return owner, nil
}

func (f *fakeHandle) TransfersTo(ctx context.Context, a common.Address) ([]models.TransferEvent, error) {
	f.count("TransfersTo")
	return f.in, f.logErr
}

func (f *fakeHandle) TransfersFrom(ctx context.Context, a common.Address) ([]models.TransferEvent, error) {
	f.count("TransfersFrom")
	return f.out, f.logErr
}

func (f *fakeHandle) TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	f.count(nft.MethodTokenOfOwnerByIndex)
	id, ok := f.byIndex[index.Int64()]
	if !ok {
		return nil, errors.New("execution reverted: owner index out of bounds")
	}
	return big.NewInt(id), nil
}

func (f *fakeHandle) TokenURI(ctx context.Context, id *big.Int) (string, error) {
	f.count(nft.MethodTokenURI)
	uri, ok := f.uris[id.Int64()]
	if !ok {
		return "", errors.New("execution reverted")
	}
	return uri, nil
}

func (f *fakeHandle) Creators(ctx context.Context, id *big.Int) (common.Address, error) {
	f.count(nft.MethodCreators)
	creator, ok := f.creators[id.Int64()]
	if !ok {
		return common.Address{}, errors.New("execution reverted")
	}
	return creator, nil
}

// minimalHandle has only the methods, no support reporter.
type minimalHandle struct {
	calls int
}

func (m *minimalHandle) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	m.calls++
	return big.NewInt(1), nil
}

func transfer(from, to common.Address, id int64) models.TransferEvent {
	return models.TransferEvent{From: from, To: to, TokenID: big.NewInt(id)}
}

func ids(records []models.TokenRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID.Int64()
	}
	return out
}

func eventHandle() *fakeHandle {
	h := newFakeHandle()
	h.supported = map[string]bool{
		nft.MethodBalanceOf: true,
		nft.MethodOwnerOf:   true,
		nft.EventTransfer:   true,
		nft.MethodTokenURI:  true,
		nft.MethodCreators:  true,
	}
	return h
}

func TestZeroBalanceMakesNoFurtherCalls(t *testing.T) {
	h := eventHandle()
	h.supported[nft.MethodTokenOfOwnerByIndex] = true

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.NotNil(t, result.Tokens)
	assert.Empty(t, result.Tokens)
	assert.Equal(t, map[string]int{nft.MethodBalanceOf: 1}, h.calls)
}

func TestEventPathSubtractsOutgoing(t *testing.T) {
	h := eventHandle()
	h.balance = 2
	h.in = []models.TransferEvent{
		transfer(common.Address{}, account, 3),
		transfer(common.Address{}, account, 1),
		transfer(common.Address{}, account, 2),
	}
	h.out = []models.TransferEvent{transfer(account, other, 2)}
	h.owners[1] = account
	h.owners[2] = other
	h.owners[3] = account
	h.uris[1] = "ipfs://one"
	h.uris[3] = "ipfs://three"
	h.creators[1] = account
	h.creators[3] = artist

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, PathEventLog, result.Path)
	assert.Equal(t, []int64{1, 3}, ids(result.Tokens))
	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 0, result.StaleCandidates)

	assert.Equal(t, "ipfs://one", result.Tokens[0].TokenURI)
	assert.True(t, result.Tokens[0].IsCreator)
	assert.Equal(t, artist, result.Tokens[1].Creator)
	assert.False(t, result.Tokens[1].IsCreator)

	assert.Equal(t, 2, h.calls[nft.MethodOwnerOf])
	assert.Zero(t, h.calls[nft.MethodTokenOfOwnerByIndex])
}

func TestStaleOwnerIsExcluded(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{
		transfer(common.Address{}, account, 1),
		transfer(common.Address{}, account, 3),
	}
	h.owners[1] = account
	h.owners[3] = other
	h.uris[1] = "ipfs://one"
	h.creators[1] = account

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, ids(result.Tokens))
	assert.Equal(t, 1, result.StaleCandidates)
}

func TestOwnerOfFailureDropsCandidate(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{
		transfer(common.Address{}, account, 1),
		transfer(common.Address{}, account, 9),
	}
	h.owners[1] = account
	h.uris[1] = "ipfs://one"
	h.creators[1] = account

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(result.Tokens))
	assert.Equal(t, 1, result.StaleCandidates)
}

func TestOwnerComparisonIgnoresCase(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 5)}
	h.owners[5] = common.HexToAddress("0x8617e340b3d01fa5f11f306f4090fd50e238070d")
	h.uris[5] = "ipfs://five"
	h.creators[5] = account

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(result.Tokens))
}

func TestFallbackToIndexEnumeration(t *testing.T) {
	h := newFakeHandle()
	h.balance = 2
	h.logErr = errors.New("query returned more than 10000 results")
	h.byIndex[0] = 11
	h.byIndex[1] = 4
	h.uris[4] = "ipfs://four"
	h.uris[11] = "ipfs://eleven"
	h.creators[4] = artist

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, PathIndexEnumeration, result.Path)
	require.Len(t, result.Tokens, 2)
	assert.Equal(t, []int64{4, 11}, ids(result.Tokens))
	for _, record := range result.Tokens {
		assert.True(t, record.IsCreator)
		assert.Equal(t, account, record.Creator)
	}
	assert.Zero(t, h.calls[nft.MethodCreators])
	assert.Zero(t, h.calls[nft.MethodOwnerOf])
}

func TestFallbackSkipsFailedIndex(t *testing.T) {
	h := newFakeHandle()
	h.balance = 3
	h.logErr = errors.New("logs unavailable")
	h.byIndex[0] = 1
	h.byIndex[2] = 3
	h.uris[1] = "ipfs://one"
	h.uris[3] = "ipfs://three"

	metricsManager := metrics.NewManager()
	result, err := New(Options{}, metricsManager).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, ids(result.Tokens))
	assert.Equal(t, 1, result.IndexFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(metricsManager.GetPrometheusMetrics().IndexEnumerationFailures))
}

func TestIndexPathKeepsOneRecordPerIndex(t *testing.T) {
	h := newFakeHandle()
	h.supported = map[string]bool{
		nft.MethodBalanceOf:           true,
		nft.MethodOwnerOf:             true,
		nft.MethodTokenOfOwnerByIndex: true,
	}
	h.balance = 2
	h.byIndex[0] = 6
	h.byIndex[1] = 6

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, []int64{6, 6}, ids(result.Tokens))
	assert.Equal(t, 2, result.Candidates)
}

func TestIndexPathWithoutEvents(t *testing.T) {
	h := newFakeHandle()
	h.supported = map[string]bool{
		nft.MethodBalanceOf:           true,
		nft.MethodOwnerOf:             true,
		nft.MethodTokenOfOwnerByIndex: true,
	}
	h.balance = 1
	h.byIndex[0] = 8

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, PathIndexEnumeration, result.Path)
	assert.Equal(t, []int64{8}, ids(result.Tokens))
	assert.Equal(t, models.TokenURIUnknown, result.Tokens[0].TokenURI)
	assert.Zero(t, h.calls["TransfersTo"])
	assert.Zero(t, h.calls[nft.MethodTokenURI])
}

func TestTokenURIFailureKeepsRecord(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 7)}
	h.owners[7] = account
	h.creators[7] = account

	metricsManager := metrics.NewManager()
	result, err := New(Options{}, metricsManager).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	require.Len(t, result.Tokens, 1)
	assert.Equal(t, models.TokenURIUnknown, result.Tokens[0].TokenURI)
	assert.Equal(t, 1, result.MetadataFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metricsManager.GetPrometheusMetrics().MetadataFailuresTotal.WithLabelValues("tokenURI")))
}

func TestCreatorFailureDefaultsToAccount(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 7)}
	h.owners[7] = account
	h.uris[7] = "ipfs://seven"

	result, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	require.Len(t, result.Tokens, 1)
	assert.Equal(t, account, result.Tokens[0].Creator)
	assert.True(t, result.Tokens[0].IsCreator)
}

func TestMissingRequiredMethodFailsWithoutCalls(t *testing.T) {
	for _, missing := range []string{nft.MethodBalanceOf, nft.MethodOwnerOf} {
		t.Run(missing, func(t *testing.T) {
			h := eventHandle()
			h.balance = 1
			delete(h.supported, missing)

			_, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCapabilityMissing))
			assert.Contains(t, err.Error(), MessageCapabilityMissing)
			assert.Zero(t, h.totalCalls())
		})
	}

	m := &minimalHandle{}
	_, err := New(Options{}, nil).Reconcile(context.Background(), m, account)
	assert.True(t, errors.Is(err, ErrCapabilityMissing))
	assert.Zero(t, m.calls)
}

func TestEnumerationUnavailable(t *testing.T) {
	h := newFakeHandle()
	h.supported = map[string]bool{
		nft.MethodBalanceOf: true,
		nft.MethodOwnerOf:   true,
	}
	h.balance = 1

	_, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnumerationUnavailable))

	logsFail := eventHandle()
	logsFail.balance = 1
	logsFail.logErr = errors.New("rate limited")

	_, err = New(Options{}, nil).Reconcile(context.Background(), logsFail, account)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnumerationUnavailable))
	assert.Contains(t, err.Error(), MessageEnumerationUnavailable)
}

func TestNotConnected(t *testing.T) {
	h := eventHandle()
	_, err := New(Options{}, nil).Reconcile(context.Background(), h, common.Address{})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Zero(t, h.totalCalls())
}

func TestBalanceErrorPropagates(t *testing.T) {
	h := eventHandle()
	h.balanceErr = utils.NewAppError(utils.ErrCodeBlockchain, "balanceOf call failed")

	_, err := New(Options{}, nil).Reconcile(context.Background(), h, account)
	require.Error(t, err)
	assert.Equal(t, utils.ErrCodeBlockchain, utils.ErrorCode(err))
	assert.Equal(t, 1, h.totalCalls())
}

// blockingHandle holds every ownerOf until its context is done
type blockingHandle struct {
	*fakeHandle
}

func (b blockingHandle) OwnerOf(ctx context.Context, id *big.Int) (common.Address, error) {
	<-ctx.Done()
	return common.Address{}, ctx.Err()
}

func TestPassTimeoutFailsPass(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 1)}

	start := time.Now()
	result, err := New(Options{PassTimeout: 50 * time.Millisecond}, nil).
		Reconcile(context.Background(), blockingHandle{h}, account)
	require.Error(t, err)

	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelledPassReturnsNoTokens(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := New(Options{}, nil).Reconcile(ctx, blockingHandle{h}, account)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrEnumerationUnavailable))
}

// cancellingLogs cancels the pass from inside the log scan
type cancellingLogs struct {
	*fakeHandle
	cancel context.CancelFunc
}

func (c cancellingLogs) TransfersTo(ctx context.Context, a common.Address) ([]models.TransferEvent, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestCancelledLogScanDoesNotFallBack(t *testing.T) {
	h := newFakeHandle()
	h.balance = 2
	h.byIndex[0] = 1
	h.byIndex[1] = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(Options{}, nil).Reconcile(ctx, cancellingLogs{fakeHandle: h, cancel: cancel}, account)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, h.calls[nft.MethodTokenOfOwnerByIndex])
}

// cancellingIndex cancels the pass after the first index
type cancellingIndex struct {
	*fakeHandle
	cancel context.CancelFunc
}

func (c cancellingIndex) TokenOfOwnerByIndex(ctx context.Context, owner common.Address, index *big.Int) (*big.Int, error) {
	id, err := c.fakeHandle.TokenOfOwnerByIndex(ctx, owner, index)
	c.cancel()
	return id, err
}

func TestCancelledIndexWalkFails(t *testing.T) {
	h := newFakeHandle()
	h.supported = map[string]bool{
		nft.MethodBalanceOf:           true,
		nft.MethodOwnerOf:             true,
		nft.MethodTokenOfOwnerByIndex: true,
	}
	h.balance = 3
	h.byIndex[0] = 1
	h.byIndex[1] = 2
	h.byIndex[2] = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := New(Options{}, nil).Reconcile(ctx, cancellingIndex{fakeHandle: h, cancel: cancel}, account)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, h.calls[nft.MethodTokenOfOwnerByIndex])
}

func TestConfirmOwnershipStopsOnCancel(t *testing.T) {
	h := newFakeHandle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	confirmed, stale, err := ConfirmOwnership(ctx, blockingHandle{h}, account, []*big.Int{big.NewInt(1), big.NewInt(2)}, 0)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, confirmed)
	assert.Zero(t, stale)
}

// countingOwner tracks peak concurrent ownerOf calls
type countingOwner struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (c *countingOwner) OwnerOf(ctx context.Context, id *big.Int) (common.Address, error) {
	c.mu.Lock()
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.current--
	c.mu.Unlock()
	return account, nil
}

func TestConfirmOwnershipRespectsLimit(t *testing.T) {
	candidates := make([]*big.Int, 20)
	for i := range candidates {
		candidates[i] = big.NewInt(int64(i))
	}

	owner := &countingOwner{}
	confirmed, stale, err := ConfirmOwnership(context.Background(), owner, account, candidates, 3)
	require.NoError(t, err)

	assert.Len(t, confirmed, 20)
	assert.Zero(t, stale)
	assert.LessOrEqual(t, owner.peak, 3)
	assert.Equal(t, int64(0), confirmed[0].Int64())
	assert.Equal(t, int64(19), confirmed[19].Int64())
}

func TestCandidatesFromLogs(t *testing.T) {
	in := []models.TransferEvent{
		transfer(common.Address{}, account, 10),
		transfer(common.Address{}, account, 2),
		transfer(other, account, 2),
		transfer(other, account, 7),
	}
	out := []models.TransferEvent{transfer(account, other, 7)}

	candidates := CandidatesFromLogs(in, out)
	got := make([]int64, len(candidates))
	for i, id := range candidates {
		got[i] = id.Int64()
	}
	assert.Equal(t, []int64{2, 10}, got)

	assert.Empty(t, CandidatesFromLogs(nil, nil))
}

func TestDetectCapabilities(t *testing.T) {
	contract, err := nft.ParseABI(nft.MemeMorphNFTABI)
	require.NoError(t, err)
	caps := DetectCapabilities(nft.NewContract(common.Address{}, contract, nil))

	assert.Empty(t, caps.Missing())
	assert.Equal(t, PathEventLog, caps.Path())
	assert.Nil(t, caps.Index)
	assert.NotNil(t, caps.Creator)

	none := DetectCapabilities(struct{}{})
	assert.Equal(t, []string{nft.MethodBalanceOf, nft.MethodOwnerOf}, none.Missing())
	assert.Equal(t, PathUnsupported, none.Path())
}

func TestReconcileRecordsMetrics(t *testing.T) {
	h := eventHandle()
	h.balance = 1
	h.in = []models.TransferEvent{transfer(common.Address{}, account, 1)}
	h.owners[1] = account
	h.uris[1] = "ipfs://one"
	h.creators[1] = account

	metricsManager := metrics.NewManager()
	_, err := New(Options{}, metricsManager).Reconcile(context.Background(), h, account)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metricsManager.GetPrometheusMetrics().
		ReconcileRunsTotal.WithLabelValues(string(PathEventLog), models.RunStatusSuccess)))
}
