package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartdevs17/mememorph/internal/collection"
	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/reconciler"
	"github.com/smartdevs17/mememorph/internal/storage"
	"github.com/smartdevs17/mememorph/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	alice    = common.HexToAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	bob      = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
	carol    = common.HexToAddress("0x27b1fdb04752bbc536007a920d24acb045561c26")
)

func TestMain(m *testing.M) {
	if err := utils.InitLogger("error", "text", "discard", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeReconciler returns one more token on every call for alice, fails for
// bob and carol.
type fakeReconciler struct {
	mu    sync.Mutex
	calls map[common.Address]int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, handle interface{}, account common.Address) (*reconciler.Result, error) {
	f.mu.Lock()
	f.calls[account]++
	n := f.calls[account]
	f.mu.Unlock()

	switch account {
	case bob:
		return nil, utils.NewAppError(utils.ErrCodeCapabilityMissing, reconciler.MessageCapabilityMissing, "ownerOf")
	case carol:
		return nil, utils.NewAppError(utils.ErrCodeEnumerationUnavailable, reconciler.MessageEnumerationUnavailable)
	}

	tokens := make([]models.TokenRecord, n)
	for i := range tokens {
		tokens[i] = models.TokenRecord{ID: big.NewInt(int64(i + 1)), TokenURI: models.TokenURIUnknown}
	}
	return &reconciler.Result{
		Account:    account,
		Path:       reconciler.PathEventLog,
		Balance:    big.NewInt(int64(n)),
		Tokens:     tokens,
		Candidates: n,
	}, nil
}

type fakeClaims struct{}

func (fakeClaims) Claimable(ctx context.Context, tokenID *big.Int) (bool, error) {
	return tokenID.Int64() == 7, nil
}

type fixture struct {
	server  *HTTPServer
	metrics *metrics.Manager
	store   storage.Storage
}

func newFixture(t *testing.T, mutate func(*config.ServerConfig, *Dependencies)) *fixture {
	t.Helper()

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "runs.db"),
		MaxConnections:   1,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	m := metrics.NewManager()
	svc := collection.NewService(contract, nil, &fakeReconciler{calls: map[common.Address]int{}}, store, m)
	t.Cleanup(svc.Close)

	cfg := &config.ServerConfig{
		Host:          "127.0.0.1",
		Port:          0,
		EnableHealth:  true,
		EnableMetrics: true,
	}
	network, _ := config.LookupNetwork("local")
	deps := Dependencies{
		Collections: svc,
		Storage:     store,
		Claims:      fakeClaims{},
		Network:     network,
		Contracts:   config.ContractsConfig{NFTAddress: contract.Hex()},
		Metrics:     m,
		Version:     "test",
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	s, err := NewHTTPServer(cfg, deps)
	require.NoError(t, err)
	return &fixture{server: s, metrics: m, store: store}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	body := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func tokenIDs(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	raw, ok := body["tokens"].([]interface{})
	require.True(t, ok, "tokens missing from %v", body)
	ids := make([]string, len(raw))
	for i, tok := range raw {
		ids[i] = tok.(map[string]interface{})["id"].(string)
	}
	return ids
}

func TestNewHTTPServerRequiresCollections(t *testing.T) {
	_, err := NewHTTPServer(&config.ServerConfig{}, Dependencies{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Contains(t, components, "storage")
}

func TestNetwork(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/network")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1337), body["chainId"])
	assert.Equal(t, true, body["supported"])
	contracts := body["contracts"].(map[string]interface{})
	assert.Equal(t, contract.Hex(), contracts["nft"])
}

func TestGetCollection(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"1"}, tokenIDs(t, body))

	// Served from the slot, no second reconciliation
	_, body = f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())
	assert.Equal(t, []string{"1"}, tokenIDs(t, body))
	assert.Equal(t, float64(1), body["generation"])
}

func TestGetCollectionInvalidAddress(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/collections/0x1234")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, utils.ErrCodeValidation, body["code"])
}

func TestGetCollectionNotConnected(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/collections/"+common.Address{}.Hex())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, utils.ErrCodeNotConnected, body["code"])
}

func TestCollectionErrorMapping(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/collections/"+bob.Hex())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "contract not compatible", body["error"])
	assert.Equal(t, utils.ErrCodeCapabilityMissing, body["code"])

	// The error state is kept in the slot
	rec, body = f.do(t, http.MethodGet, "/api/v1/collections/"+bob.Hex())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "contract not compatible", body["error"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/collections/"+carol.Hex()+"/refresh")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unable to list NFTs", body["error"])
	visible := body["collection"].(map[string]interface{})
	assert.Empty(t, visible["tokens"])
}

func TestRefreshCollection(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())
	rec, body := f.do(t, http.MethodPost, "/api/v1/collections/"+alice.Hex()+"/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"1", "2"}, tokenIDs(t, body))
	assert.Equal(t, float64(2), body["generation"])
}

func TestRefreshRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.ServerConfig, _ *Dependencies) {
		cfg.RefreshRPS = 0.001
		cfg.RefreshBurst = 1
	})

	rec, _ := f.do(t, http.MethodPost, "/api/v1/collections/"+alice.Hex()+"/refresh")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/v1/collections/"+alice.Hex()+"/refresh")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, utils.ErrCodeRateLimited, body["code"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GetPrometheusMetrics().RateLimitedTotal))

	// Reads are not limited
	rec, _ = f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())
	f.do(t, http.MethodPost, "/api/v1/collections/"+alice.Hex()+"/refresh")
	f.do(t, http.MethodGet, "/api/v1/collections/"+bob.Hex())

	rec, body := f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex()+"/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(defaultRunsLimit), body["limit"])

	_, body = f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex()+"/runs?limit=1")
	assert.Equal(t, float64(1), body["total"])

	_, body = f.do(t, http.MethodGet, "/api/v1/collections/"+bob.Hex()+"/runs?status=failed")
	assert.Equal(t, float64(1), body["total"])
	runs := body["runs"].([]interface{})
	assert.Equal(t, models.RunStatusFailed, runs[0].(map[string]interface{})["status"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex()+"/runs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimable(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/v1/tokens/7/claimable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", body["tokenId"])
	assert.Equal(t, true, body["claimable"])

	_, body = f.do(t, http.MethodGet, "/api/v1/tokens/8/claimable")
	assert.Equal(t, false, body["claimable"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/tokens/abc/claimable")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimableWithoutReader(t *testing.T) {
	f := newFixture(t, func(_ *config.ServerConfig, deps *Dependencies) {
		deps.Claims = nil
	})

	rec, body := f.do(t, http.MethodGet, "/api/v1/tokens/7/claimable")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "contract not compatible", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodGet, "/api/v1/collections/"+alice.Hex())

	rec, _ := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mememorph_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/collections/{account}"`)
}

func TestCollectionFeed(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/collections/" + alice.Hex() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var msg feedMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Collection)
	assert.Equal(t, uint64(1), msg.Collection.Generation)
	assert.Len(t, msg.Collection.Tokens, 1)

	refresh, err := http.Post(ts.URL+"/api/v1/collections/"+alice.Hex()+"/refresh", "application/json", nil)
	require.NoError(t, err)
	refresh.Body.Close()
	require.Equal(t, http.StatusOK, refresh.StatusCode)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "update", msg.Type)
	assert.Equal(t, uint64(2), msg.Collection.Generation)
	assert.Len(t, msg.Collection.Tokens, 2)
}

func TestRateLimiter(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(1, 2, time.Minute)

	assert.True(t, l.Allow("a", now))
	assert.True(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now))
	assert.True(t, l.Allow("b", now))
	assert.True(t, l.Allow("a", now.Add(time.Second)))
	assert.Equal(t, 2, l.Clients())

	disabled := NewRateLimiter(0, 0, 0)
	assert.Nil(t, disabled)
	assert.True(t, disabled.Allow("a", now))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4242"
	assert.Equal(t, "192.168.1.5", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		utils.ErrCodeCapabilityMissing:      http.StatusUnprocessableEntity,
		utils.ErrCodeEnumerationUnavailable: http.StatusUnprocessableEntity,
		utils.ErrCodeValidation:             http.StatusBadRequest,
		utils.ErrCodeNotConnected:           http.StatusBadRequest,
		utils.ErrCodeNotFound:               http.StatusNotFound,
		utils.ErrCodeRateLimited:            http.StatusTooManyRequests,
		utils.ErrCodeBlockchain:             http.StatusBadGateway,
		utils.ErrCodeDatabase:               http.StatusInternalServerError,
		utils.ErrCodeInterrupted:            http.StatusGatewayTimeout,
	}
	for code, status := range cases {
		assert.Equal(t, status, statusForCode(code), code)
	}
}
