package utils

import (
	"encoding/json"
	"fmt"

	"github.com/vitwit/x402-facilitator/types"
)

// ValidateRequirements validates requirements using struct tags.
func ValidateRequirements(req *types.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return types.NewError(types.KindValidation, types.ReasonInvalidRequirements,
			fmt.Sprintf("validation failed: %v", err), err)
	}
	return nil
}

// DecodeVerifyRequest decodes the body shared by /verify and /settle. Only
// the JSON shape is checked. A payload without its own x402Version inherits
// the top-level one.
func DecodeVerifyRequest(data []byte) (*types.VerifyRequest, error) {
	var req types.VerifyRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, types.NewError(types.KindValidation, types.ReasonInvalidPayload,
			fmt.Sprintf("invalid request body: %v", err), err)
	}

	if req.PaymentPayload.X402Version == 0 {
		req.PaymentPayload.X402Version = req.X402Version
	}

	return &req, nil
}

// DecodeStrict unmarshals data into v and validates the result.
func DecodeStrict(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
