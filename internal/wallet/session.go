package wallet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// EventKind identifies a session change
type EventKind string

const (
	EventAccountChanged EventKind = "account_changed"
	EventChainChanged   EventKind = "chain_changed"
	EventDisconnected   EventKind = "disconnected"
)

// Event describes a session change. Previous holds the account before an
// account change and the zero address otherwise.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Account  common.Address `json:"account"`
	Previous common.Address `json:"previous"`
	ChainID  uint64         `json:"chain_id"`
}

// Listener receives session events. It runs on the goroutine that made the
// change and must not block.
type Listener func(Event)

// Session is the connected wallet: one account on one chain
type Session struct {
	mu        sync.RWMutex
	account   common.Address
	chainID   uint64
	listeners map[uint64]Listener
	nextID    uint64
	closed    bool
	logger    *logrus.Entry
}

// NewSession creates a session. A zero account means not connected.
func NewSession(account common.Address, chainID uint64) *Session {
	return &Session{
		account:   account,
		chainID:   chainID,
		listeners: make(map[uint64]Listener),
		logger:    utils.ComponentLogger("wallet"),
	}
}

// Account returns the connected account
func (s *Session) Account() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// ChainID returns the current chain id
func (s *Session) ChainID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID
}

// Connected reports whether an account is set
func (s *Session) Connected() bool {
	return s.Account() != (common.Address{})
}

// SetAccount switches the connected account. The zero address disconnects.
func (s *Session) SetAccount(account common.Address) {
	s.mu.Lock()
	if s.closed || s.account == account {
		s.mu.Unlock()
		return
	}
	previous := s.account
	s.account = account
	event := Event{Kind: EventAccountChanged, Account: account, Previous: previous, ChainID: s.chainID}
	if account == (common.Address{}) {
		event.Kind = EventDisconnected
	}
	listeners := s.snapshot()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"previous": previous.Hex(),
		"account":  account.Hex(),
	}).Info("Wallet account changed")
	publish(listeners, event)
}

// SetChainID records a chain switch
func (s *Session) SetChainID(chainID uint64) {
	s.mu.Lock()
	if s.closed || s.chainID == chainID {
		s.mu.Unlock()
		return
	}
	previous := s.chainID
	s.chainID = chainID
	event := Event{Kind: EventChainChanged, Account: s.account, ChainID: chainID}
	listeners := s.snapshot()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"previous_chain_id": previous,
		"chain_id":          chainID,
	}).Info("Wallet chain changed")
	publish(listeners, event)
}

// Subscribe registers fn for session events. On a closed session the
// returned subscription is already released.
func (s *Session) Subscribe(fn Listener) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewSubscription(nil)
	}

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return NewSubscription(func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	})
}

// Subscribers returns the number of live subscriptions
func (s *Session) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Close releases every subscription. Later changes are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[uint64]Listener)
}

// snapshot copies the listeners; callers hold s.mu
func (s *Session) snapshot() []Listener {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func publish(listeners []Listener, event Event) {
	for _, fn := range listeners {
		fn(event)
	}
}

// Subscription is a scoped registration. Close releases it exactly once and
// is safe to call any number of times.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release; nil gives an already released subscription.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Close releases the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
