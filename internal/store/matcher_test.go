package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataEqualsMatcher(t *testing.T) {
	m := MetadataEquals(map[string]interface{}{"kind": "placed", "region": "eu"})

	require.True(t, m.Match(nil, map[string]interface{}{"kind": "placed", "region": "eu", "extra": 1}))
	require.False(t, m.Match(nil, map[string]interface{}{"kind": "shipped", "region": "eu"}))
	require.False(t, m.Match(nil, map[string]interface{}{"kind": "placed"}))
}

func TestRegisteredPredicateMatcher(t *testing.T) {
	RegisterPredicate("store_test.even-d", func(_ []byte, metadata map[string]interface{}) bool {
		v, ok := metadata["d"].(float64)
		return ok && int(v)%2 == 0
	})

	m, err := Predicate("store_test.even-d")
	require.NoError(t, err)
	require.True(t, m.Match(nil, map[string]interface{}{"d": float64(2)}))
	require.False(t, m.Match(nil, map[string]interface{}{"d": float64(3)}))
}

func TestFingerprintDetectsTampering(t *testing.T) {
	secret := []byte("sekrit")
	fp := fingerprint(secret, "metadata", []byte(`{"k":"v"}`))
	require.True(t, verifyFingerprint(secret, "metadata", []byte(`{"k":"v"}`), fp))
	require.False(t, verifyFingerprint(secret, "metadata", []byte(`{"k":"tampered"}`), fp))
	require.False(t, verifyFingerprint([]byte("wrong-secret"), "metadata", []byte(`{"k":"v"}`), fp))
}
