package clients

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/x402-facilitator/utils"
)

// EIP-712 domain used when the requirements do not name one (USDC).
const (
	DefaultTokenName    = "USD Coin"
	DefaultTokenVersion = "2"
)

// ExactEvmPayload is the `payload` of an exact EVM payment.
type ExactEvmPayload struct {
	Signature     string               `json:"signature" validate:"required"`
	Authorization EIP3009Authorization `json:"authorization"`
}

// EIP3009Authorization is the signed transferWithAuthorization message with
// integers as decimal strings.
type EIP3009Authorization struct {
	From        string `json:"from" validate:"required,evmaddress"`
	To          string `json:"to" validate:"required,evmaddress"`
	Value       string `json:"value" validate:"required,number"`
	ValidAfter  string `json:"validAfter" validate:"required,number"`
	ValidBefore string `json:"validBefore" validate:"required,number"`
	Nonce       string `json:"nonce" validate:"required"`
}

// Authorization is the decoded form of EIP3009Authorization.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// ParseExactEvmPayload decodes and validates raw.
func ParseExactEvmPayload(raw []byte) (*ExactEvmPayload, *Authorization, error) {
	var p ExactEvmPayload
	if err := utils.DecodeStrict(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("invalid exact evm payload: %w", err)
	}
	auth, err := p.Authorization.Decode()
	if err != nil {
		return nil, nil, err
	}
	return &p, auth, nil
}

// Decode converts the string fields.
func (a EIP3009Authorization) Decode() (*Authorization, error) {
	value, err := utils.ParseAtomicAmount(a.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	validAfter, err := utils.ParseAtomicAmount(a.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := utils.ParseAtomicAmount(a.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := utils.HexToBytes32(a.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return &Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

// Encode converts back to the wire form.
func (a *Authorization) Encode() EIP3009Authorization {
	return EIP3009Authorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       "0x" + hex.EncodeToString(a.Nonce[:]),
	}
}

// TokenDomain identifies the EIP-712 domain of a token.
type TokenDomain struct {
	Name    string
	Version string
	ChainID *big.Int
	Token   common.Address
}

func typedData(domain TokenDomain, auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.Token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// AuthorizationDigest returns keccak256("\x19\x01" || domainSeparator || structHash).
func AuthorizationDigest(domain TokenDomain, auth *Authorization) ([]byte, error) {
	td := typedData(domain, auth)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverAuthorizationSigner returns the address that signed auth.
func RecoverAuthorizationSigner(domain TokenDomain, auth *Authorization, signature string) (common.Address, error) {
	digest, err := AuthorizationDigest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	return utils.RecoverAddressFromSignature(digest, signature)
}

// SignAuthorization signs auth with key. V is returned as 27/28.
func SignAuthorization(key *ecdsa.PrivateKey, domain TokenDomain, auth *Authorization) (string, error) {
	digest, err := AuthorizationDigest(domain, auth)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// NewAuthorization builds an authorization valid from now for timeout.
func NewAuthorization(from, to common.Address, value *big.Int, timeout time.Duration) (*Authorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(now - 10),
		ValidBefore: big.NewInt(now + int64(timeout.Seconds())),
		Nonce:       nonce,
	}, nil
}

// MarshalExactPayload builds the raw `payload` a payer sends.
func MarshalExactPayload(auth *Authorization, signature string) (json.RawMessage, error) {
	return json.Marshal(ExactEvmPayload{Signature: signature, Authorization: auth.Encode()})
}

// SplitSignature returns v, r, s with v as 27/28.
func SplitSignature(signature string) (v uint8, r [32]byte, s [32]byte, err error) {
	sig, err := utils.DecodeSignature(signature)
	if err != nil {
		return 0, r, s, err
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	return sig[64] + 27, r, s, nil
}
