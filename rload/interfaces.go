package rload

import (
	"context"
	"net/http"
)

// Transport fetches raw bytes of a source. It is called once per fetch, retries
// are up to the caller.
type Transport interface {
	Fetch(ctx context.Context, src SourceID, auth Authenticator) ([]byte, error)
}

// Authenticator decorates outgoing requests, for example, with credentials.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// Transformer converts fetched bytes before they are decoded.
type Transformer interface {
	Transform(src SourceID, data []byte) ([]byte, error)
}

// Decoder converts raw bytes to a result. It must be pure and safe for concurrent use.
type Decoder interface {
	// Kind distinguishes results of different decoders in the memory cache.
	Kind() string
	Decode(data []byte, p Params) (Result, error)
}

// Applier is the widget side of a slot.
type Applier interface {
	Apply(res Result)
	ApplyFallback(res Result)
}

// Slot is a reusable binding target. Its token changes every time it is claimed
// by a new request.
//
// Apply and ApplyFallback are called with the slot locked against new claims,
// they must not claim, recycle or release the same slot.
type Slot interface {
	Applier

	Token() Token
	SetToken(Token)
}

// Progress is a loading indicator. Several requests can share one indicator: it is
// hidden only by the request that showed it last. The ownership is tracked only
// for comparable implementations (pointers, comparable structs), other
// indicators are hidden by every request that showed them.
type Progress interface {
	Show()
	Hide()
}

type Dialog interface {
	Show() error
	Dismiss() error
}

// Animation is triggered after a result loaded not from memory is applied.
type Animation interface {
	Animate()
}

type Callback func(Outcome)
