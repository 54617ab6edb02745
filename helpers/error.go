package helpers

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "\n"))
}

// ErrorKind classifies failures for degradation policy.
// IO and crypto degrade a sink, network drives reconnect/retry, state means
// persisted bookkeeping could not be trusted.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindIO
	KindCrypto
	KindNetwork
	KindState
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCrypto:
		return "crypto"
	case KindNetwork:
		return "network"
	case KindState:
		return "state"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindError survives errors.Annotate: juju keeps it as Cause().
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func NewKindError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

func IOError(err error) error      { return NewKindError(KindIO, err) }
func CryptoError(err error) error  { return NewKindError(KindCrypto, err) }
func NetworkError(err error) error { return NewKindError(KindNetwork, err) }
func StateError(err error) error   { return NewKindError(KindState, err) }

func ErrorKindOf(err error) ErrorKind {
	if ke, ok := errors.Cause(err).(*KindError); ok {
		return ke.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && ErrorKindOf(err) == kind
}
