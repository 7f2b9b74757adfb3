package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-facilitator/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("caip2", validateCAIP2Tag)
	_ = validate.RegisterValidation("evmaddress", validateEVMAddressTag)
	_ = validate.RegisterValidation("eip155", validateEIP155Tag)
}

// ValidateStruct validates v against its struct tags.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

func validateCAIP2Tag(fl validator.FieldLevel) bool {
	return types.IsCAIP2(fl.Field().String())
}

func validateEVMAddressTag(fl validator.FieldLevel) bool {
	return ValidateAddress(fl.Field().String())
}

func validateEIP155Tag(fl validator.FieldLevel) bool {
	n, err := types.ParseNetwork(fl.Field().String())
	if err != nil {
		return false
	}
	_, err = n.ChainID()
	return err == nil
}

// ParseAtomicAmount parses an integer amount expressed in the smallest unit
// of a token.
func ParseAtomicAmount(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", value)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return n, nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
