// Package storetest is a generic, black-box exerciser for an EventStore,
// adapted from the persistence module's own provider-function test suite
// pattern: a caller supplies a StoreProvider, and the suite runs the same
// battery of append/read/concurrency scenarios against whatever storage
// backend that provider constructs.
package storetest

import (
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/nesprt/eventstore/internal/store"
)

// StoreProvider constructs a fresh, empty EventStore for one test.
type StoreProvider func() *store.EventStore

// Suite runs the engine's testable properties against any EventStore a
// StoreProvider builds, so the same scenarios can later be pointed at
// alternative configurations without being rewritten.
type Suite struct {
	suite.Suite
	provider StoreProvider
	store    *store.EventStore
}

// New builds a Suite bound to provider.
func New(provider StoreProvider) *Suite {
	return &Suite{provider: provider}
}

func (s *Suite) SetupTest() {
	s.store = s.provider()
}

func (s *Suite) TearDownTest() {
	defer func() {
		if err := s.store.Close(); err != nil {
			log.WithError(err).Warn("error closing store under test")
		}
	}()
}
