package bridge

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIBridge(t *testing.T) {
	var (
		mu        sync.Mutex
		submitted swapSubmitRequest
		status    = "pending"
	)
	setStatus := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		status = s
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(swapResponse{SwapID: "swap-42"})
	})
	mux.HandleFunc("/swap/swap-42", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewEncoder(w).Encode(swapStatus{Status: status, FromTx: "0xsrc", ToTx: "0xdst"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewAPIBridge(srv.URL + "/")

	id, err := b.Initiate(context.Background(), Transfer{
		Record: Record{SourceChain: srcNet, SourceTx: "0xsrc", DestChain: dstNet, Asset: dstAsset.Hex(), Amount: "10000", Recipient: merchant.Hex()},
		Payout: big.NewInt(9990),
	})
	require.NoError(t, err)
	assert.Equal(t, "swap-42", id)
	mu.Lock()
	assert.Equal(t, "9990", submitted.Amount)
	assert.Equal(t, merchant.Hex(), submitted.Recipient)
	mu.Unlock()

	st, err := b.Status(context.Background(), dstNet, id)
	require.NoError(t, err)
	assert.Empty(t, st.DestinationTx)

	setStatus("completed")
	st, err = b.Status(context.Background(), dstNet, id)
	require.NoError(t, err)
	assert.Equal(t, "0xdst", st.DestinationTx)

	setStatus("expired")
	st, err = b.Status(context.Background(), dstNet, id)
	require.NoError(t, err)
	assert.True(t, st.Failed)
}

func TestAPIBridgeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "asset not supported", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewAPIBridge(srv.URL).Initiate(context.Background(), Transfer{Payout: big.NewInt(1)})
	assert.ErrorContains(t, err, "asset not supported")
}
