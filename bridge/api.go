package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var _ Bridge = (*APIBridge)(nil)

// APIBridge drives an external bridge service over HTTP:
//
//	POST {base}/swap          -> {"swapId": "..."}
//	GET  {base}/swap/{swapId} -> {"status": "...", "fromTx": "...", "toTx": "..."}
type APIBridge struct {
	base   string
	client *http.Client
}

// NewAPIBridge talks to the bridge service at base.
func NewAPIBridge(base string) *APIBridge {
	return &APIBridge{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type swapSubmitRequest struct {
	SourceChain string `json:"sourceChain"`
	SourceTx    string `json:"sourceTx"`
	DestChain   string `json:"destChain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
}

type swapResponse struct {
	SwapID string `json:"swapId"`
}

type swapStatus struct {
	Status string `json:"status"`
	FromTx string `json:"fromTx"`
	ToTx   string `json:"toTx"`
	Reason string `json:"reason,omitempty"`
}

func (a *APIBridge) Initiate(ctx context.Context, t Transfer) (string, error) {
	body, err := json.Marshal(swapSubmitRequest{
		SourceChain: t.SourceChain,
		SourceTx:    t.SourceTx,
		DestChain:   t.DestChain,
		Asset:       t.Asset,
		Amount:      t.Payout.String(),
		Recipient:   t.Recipient,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out swapResponse
	if err := a.do(req, &out); err != nil {
		return "", err
	}
	if out.SwapID == "" {
		return "", fmt.Errorf("bridge api returned empty swap id")
	}
	return out.SwapID, nil
}

func (a *APIBridge) Status(ctx context.Context, _ string, bridgeTx string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/swap/"+url.PathEscape(bridgeTx), nil)
	if err != nil {
		return Status{}, err
	}

	var out swapStatus
	if err := a.do(req, &out); err != nil {
		return Status{}, err
	}

	switch strings.ToLower(out.Status) {
	case "completed", "done", "released":
		if out.ToTx == "" {
			return Status{}, nil
		}
		return Status{DestinationTx: out.ToTx}, nil
	case "failed", "expired", "refunded":
		reason := out.Reason
		if reason == "" {
			reason = out.Status
		}
		return Status{Failed: true, Reason: reason}, nil
	default:
		return Status{}, nil
	}
}

func (a *APIBridge) do(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge api %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
