package store_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/nesprt/eventstore/internal/store"
	"github.com/nesprt/eventstore/internal/storetest"
)

func TestGenericStoreSuite(t *testing.T) {
	provider := func() *store.EventStore {
		s, err := store.Open(store.Options{Dir: t.TempDir(), MatcherSecret: []byte("test-secret")})
		if err != nil {
			t.Fatalf("failed to open store under test: %v", err)
		}
		return s
	}
	suite.Run(t, storetest.New(provider))
}
