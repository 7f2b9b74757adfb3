package txsubmit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/internal/testutil/fakechain"
	"github.com/vitwit/x402-facilitator/types"
)

var fastPoll = chain.Poll{Interval: time.Millisecond, Attempts: 10}

func newSubmitter(t *testing.T, backend *fakechain.Backend) *Submitter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return New(backend, key, WithReceiptPoll(fastPoll), WithNetwork("eip155:84532"))
}

func transferRequest() Request {
	return Request{
		To:    common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Value: big.NewInt(10000),
	}
}

func TestSubmitFirstAttempt(t *testing.T) {
	backend := fakechain.New(84532)
	s := newSubmitter(t, backend)
	backend.SetNonce(s.Address(), 3)

	receipt, err := s.Submit(context.Background(), transferRequest())
	require.NoError(t, err)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash(), receipt.TxHash)
	assert.Equal(t, uint64(3), sent[0].Nonce())
	assert.Len(t, sent[0].Data(), MarkerSize)
}

func TestSubmitUsesChainReportedNonce(t *testing.T) {
	backend := fakechain.New(84532)
	s := newSubmitter(t, backend)
	backend.SetNonce(s.Address(), 2)
	backend.QueueSendErrors(errors.New("nonce too low: address 0x1, tx: 2 state: 7"))

	_, err := s.Submit(context.Background(), transferRequest())
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 7}, backend.AttemptNonces())
	require.Len(t, backend.Sent(), 1)
	assert.Equal(t, uint64(7), backend.Sent()[0].Nonce())
}

func TestSubmitIncrementsWithoutReportedNonce(t *testing.T) {
	backend := fakechain.New(84532)
	s := newSubmitter(t, backend)
	backend.SetNonce(s.Address(), 4)
	backend.QueueSendErrors(
		errors.New("already known"),
		errors.New("replacement transaction underpriced"),
	)

	_, err := s.Submit(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5, 6}, backend.AttemptNonces())
}

func TestSubmitStopsAfterMaxAttempts(t *testing.T) {
	backend := fakechain.New(84532)
	s := newSubmitter(t, backend)
	for i := 0; i < MaxAttempts+2; i++ {
		backend.QueueSendErrors(errors.New("nonce too low"))
	}

	_, err := s.Submit(context.Background(), transferRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttempts)
	assert.Contains(t, err.Error(), "max retry attempts reached (5)")
	var xe *types.X402Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, types.KindNonceConflict, xe.Kind)
	assert.Len(t, backend.AttemptNonces(), MaxAttempts)
	assert.Empty(t, backend.Sent())
}

func TestSubmitFatalErrorIsNotRetried(t *testing.T) {
	backend := fakechain.New(84532)
	s := newSubmitter(t, backend)
	backend.QueueSendErrors(errors.New("insufficient funds for gas * price + value"))

	_, err := s.Submit(context.Background(), transferRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMaxAttempts)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Len(t, backend.AttemptNonces(), 1)
}

func TestBroadcastReturnsBeforeReceipt(t *testing.T) {
	backend := fakechain.New(84532)
	backend.SetReceiptDelay(100)
	s := newSubmitter(t, backend)

	tx, err := s.Broadcast(context.Background(), transferRequest())
	require.NoError(t, err)
	require.Len(t, backend.Sent(), 1)
	assert.Equal(t, backend.Sent()[0].Hash(), tx.Hash())

	_, err = s.Submit(context.Background(), transferRequest())
	assert.ErrorIs(t, err, chain.ErrReceiptTimeout)
}

func TestSubmitRevertedReceipt(t *testing.T) {
	backend := fakechain.New(84532)
	backend.SetReceiptStatus(ethtypes.ReceiptStatusFailed)
	s := newSubmitter(t, backend)

	receipt, err := s.Submit(context.Background(), transferRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionReverted)
	require.NotNil(t, receipt)
	assert.Len(t, backend.AttemptNonces(), 1)
}

func TestSubmitMarkersDifferPerAttempt(t *testing.T) {
	backend := fakechain.New(84532)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var markers [][]byte
	s := New(backend, key, WithReceiptPoll(fastPoll), WithMarker(func() []byte {
		m := uuidMarker()
		markers = append(markers, m)
		return m
	}))
	backend.QueueSendErrors(errors.New("already known"), errors.New("already known"))

	req := transferRequest()
	req.Data = []byte{0xa9, 0x05, 0x9c, 0xbb}
	_, err = s.Submit(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, markers, 3)
	assert.NotEqual(t, markers[0], markers[1])
	assert.NotEqual(t, markers[1], markers[2])

	sent := backend.Sent()[0]
	assert.Equal(t, req.Data, sent.Data()[:4])
	assert.Equal(t, markers[2], sent.Data()[4:])
}

func TestSubmitWaitsForReceipt(t *testing.T) {
	backend := fakechain.New(84532)
	backend.SetReceiptDelay(3)
	s := newSubmitter(t, backend)

	receipt, err := s.Submit(context.Background(), transferRequest())
	require.NoError(t, err)
	assert.Equal(t, ethtypes.ReceiptStatusSuccessful, receipt.Status)
}
