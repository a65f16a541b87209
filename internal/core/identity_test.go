package core

import (
	"crypto/rand"
	"encoding/base64"
	"math"
	"testing"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() ResultData {
	kind := "dataset"
	return ResultData{
		ID:      "abc123",
		Worker:  "worker-node",
		Output:  6.0,
		Kind:    &kind,
		Payload: Metadata{"count": uint64(3)},
	}
}

func TestNewIdentity_Fresh(t *testing.T) {
	a, err := NewIdentity()
	require.NoError(t, err)
	b, err := NewIdentity()
	require.NoError(t, err)

	assert.Len(t, a.PublicKeyBytes(), 32)
	assert.NotEqual(t, a.PublicKeyBytes(), b.PublicKeyBytes())
	assert.NotEqual(t, a.PeerID(), b.PeerID())

	assert.Equal(t, a.PublicKeyBase64(), a.PublicKeyBase64())
	decoded, err := base64.StdEncoding.DecodeString(a.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyBytes(), decoded)
}

func TestIdentityFromKey_RejectsNonEd25519(t *testing.T) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)

	_, err = IdentityFromKey(priv)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeUnsupportedKey))
}

func TestSignResult_RoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	result := sampleResult()
	sig, err := id.SignResult(result)
	require.NoError(t, err)

	ok, err := VerifyResult(id.PublicKeyBytes(), result, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignResult_TamperDetection(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	result := sampleResult()
	sig, err := id.SignResult(result)
	require.NoError(t, err)

	mutations := map[string]func(r *ResultData){
		"id":     func(r *ResultData) { r.ID = "other" },
		"worker": func(r *ResultData) { r.Worker = "mallory" },
		"output": func(r *ResultData) { r.Output = 6.0000001 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := sampleResult()
			mutate(&tampered)
			ok, err := VerifyResult(id.PublicKeyBytes(), tampered, sig)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("metadata", func(t *testing.T) {
		other := "custom"
		tampered := sampleResult()
		tampered.Kind = &other
		tampered.Payload = Metadata{"warning": "forged"}
		ok, err := VerifyResult(id.PublicKeyBytes(), tampered, sig)
		require.NoError(t, err)
		assert.True(t, ok, "kind and payload are not covered by the signature")
	})
}

func TestCanonicalPayload_MatchesCoordinatorEncoding(t *testing.T) {
	payload, err := sampleResult().CanonicalPayload()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc123","worker":"worker-node","output":6}`, string(payload))
}

func TestSignResult_NonFiniteOutput(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	result := sampleResult()
	result.Output = math.NaN()

	_, err = id.SignResult(result)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSigning))
}

func TestVerifyResult_BadKeyLength(t *testing.T) {
	_, err := VerifyResult([]byte{1, 2, 3}, sampleResult(), nil)
	assert.Error(t, err)
}

func TestSignResult_SignsCanonicalPayload(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	result := sampleResult()
	msg, err := result.CanonicalPayload()
	require.NoError(t, err)
	direct, err := id.Sign(msg)
	require.NoError(t, err)
	sig, err := id.SignResult(result)
	require.NoError(t, err)

	// Ed25519 is deterministic.
	assert.Equal(t, direct, sig)
}
