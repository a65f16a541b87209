package worker

import (
	"testing"

	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/computeshare/internal/core"
)

func signedPayload(t *testing.T, id, worker, sig string) []byte {
	t.Helper()
	data, err := core.EncodeSignedResult(core.ResultData{ID: id, Worker: worker, Output: 1}, sig)
	require.NoError(t, err)
	return data
}

func TestObserver_Outcomes(t *testing.T) {
	self := peer.ID("self")
	o, err := NewObserver(self, DefaultObserverConfig(), nil)
	require.NoError(t, err)

	remote := peer.ID("remote")
	testCases := []struct {
		name string
		from peer.ID
		data []byte
		want Outcome
	}{
		{"Own", self, signedPayload(t, "t1", "me", "c2ln"), OutcomeOwn},
		{"Malformed", remote, []byte(`{"id":"t1"}`), OutcomeMalformed},
		{"WrongArity", remote, []byte(`[{"id":"t1","worker":"w","output":1}]`), OutcomeMalformed},
		{"First", remote, signedPayload(t, "t1", "w", "c2ln"), OutcomeObserved},
		{"Repeat", remote, signedPayload(t, "t1", "w", "c2ln"), OutcomeDuplicate},
		{"OtherSignature", remote, signedPayload(t, "t1", "w", "b3RoZXI="), OutcomeObserved},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, o.Observe(tc.from, tc.data))
		})
	}
	assert.Equal(t, uint64(2), o.Observed())
}

func TestObserver_RateLimitsPerSender(t *testing.T) {
	cfg := DefaultObserverConfig()
	cfg.RateLimit.MessagesPerSecond = 1
	cfg.RateLimit.BurstSize = 1
	o, err := NewObserver(peer.ID("self"), cfg, nil)
	require.NoError(t, err)

	noisy := peer.ID("noisy")
	assert.Equal(t, OutcomeObserved, o.Observe(noisy, signedPayload(t, "t1", "w", "YQ==")))
	assert.Equal(t, OutcomeRateLimited, o.Observe(noisy, signedPayload(t, "t2", "w", "Yg==")))

	// Other senders have their own bucket.
	assert.Equal(t, OutcomeObserved, o.Observe(peer.ID("quiet"), signedPayload(t, "t3", "w", "Yw==")))
}
