package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NonceErrorKind is the member of the nonce-conflict family a broadcast error
// belongs to.
type NonceErrorKind int

const (
	NonceTooLow NonceErrorKind = iota + 1
	AlreadyKnown
	ReplacementUnderpriced
)

func (k NonceErrorKind) String() string {
	switch k {
	case NonceTooLow:
		return "nonce_too_low"
	case AlreadyKnown:
		return "already_known"
	case ReplacementUnderpriced:
		return "replacement_underpriced"
	default:
		return "unknown"
	}
}

// NonceError is a broadcast rejection caused by a nonce conflict. Expected is
// the nonce the node reported as next, when its message carried one.
type NonceError struct {
	Kind        NonceErrorKind
	Expected    uint64
	HasExpected bool
	Err         error
}

func (e *NonceError) Error() string {
	if e.HasExpected {
		return fmt.Sprintf("%s (expected nonce %d): %v", e.Kind, e.Expected, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *NonceError) Unwrap() error { return e.Err }

// AsNonceError reports whether err is a classified nonce conflict.
func AsNonceError(err error) (*NonceError, bool) {
	var ne *NonceError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

var expectedNonceRe = regexp.MustCompile(`(?i)(?:expected|want|next nonce|state)\s*[:=]?\s*(\d+)`)

// ClassifySendError turns a node's broadcast error into a *NonceError when it
// belongs to the nonce-conflict family. Any other error is returned as is.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsNonceError(err); ok {
		return err
	}

	msg := strings.ToLower(err.Error())

	var kind NonceErrorKind
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "invalid nonce"),
		strings.Contains(msg, "nonce has already been used"):
		kind = NonceTooLow
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"),
		strings.Contains(msg, "already imported"):
		kind = AlreadyKnown
	case strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "replacement underpriced"):
		kind = ReplacementUnderpriced
	default:
		return err
	}

	ne := &NonceError{Kind: kind, Err: err}
	if m := expectedNonceRe.FindStringSubmatch(msg); m != nil {
		if n, perr := strconv.ParseUint(m[1], 10, 64); perr == nil {
			ne.Expected = n
			ne.HasExpected = true
		}
	}
	return ne
}
