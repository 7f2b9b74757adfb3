// Package crosschain routes payments that carry the "cross-chain" extension:
// the payer settles on a source chain and the merchant is paid out on a
// destination chain by the bridge queue.
package crosschain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

var (
	// ErrMissingExtension is returned when the payload has no cross-chain
	// extension.
	ErrMissingExtension = errors.New("cross-chain extension missing")

	// ErrInvalidExtension is returned when the extension does not decode or
	// fails validation.
	ErrInvalidExtension = errors.New("cross-chain extension invalid")
)

// Info is the payload of the cross-chain extension. The route's own network,
// asset and payTo describe the source side.
type Info struct {
	DestinationNetwork string `json:"destinationNetwork" validate:"required,eip155"`
	DestinationAsset   string `json:"destinationAsset" validate:"required,evmaddress"`
	DestinationPayTo   string `json:"destinationPayTo" validate:"required,evmaddress"`
}

// Schema is the JSON schema advertised next to Info.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "destinationNetwork": {"type": "string", "pattern": "^eip155:\\d+$"},
    "destinationAsset": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
    "destinationPayTo": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"}
  },
  "required": ["destinationNetwork", "destinationAsset", "destinationPayTo"]
}`

// ExtensionDecoder owns the "cross-chain" key. Other extension keys are never
// read by this package.
type ExtensionDecoder struct{}

// Key returns the extension key.
func (ExtensionDecoder) Key() string { return types.ExtensionCrossChain }

// Decode validates an envelope and returns its Info.
func (ExtensionDecoder) Decode(ext types.Extension) (*Info, error) {
	if len(ext.Info) == 0 {
		return nil, fmt.Errorf("%w: info is empty", ErrInvalidExtension)
	}
	var info Info
	if err := utils.DecodeStrict(ext.Info, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtension, err)
	}
	return &info, nil
}

// Extract decodes the cross-chain extension of payload.
func Extract(payload *types.PaymentPayload) (*Info, error) {
	ext, ok, err := payload.Extension(types.ExtensionCrossChain)
	if !ok {
		return nil, ErrMissingExtension
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtension, err)
	}
	return ExtensionDecoder{}.Decode(ext)
}

// Declare builds the envelope a resource server puts under the extension key
// in its payment requirements, and a client echoes in its payload.
func Declare(info Info) (json.RawMessage, error) {
	if err := utils.ValidateStruct(info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtension, err)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.Extension{Info: raw, Schema: json.RawMessage(Schema)})
}
