package rload

import (
	"fmt"
	"time"
)

// Request describes what to load and where to bind it. A Request must not be changed
// after submission.
type Request struct {
	Source    SourceID
	MemCache  bool
	FileCache bool
	Params    Params
	// Expiry is the max age of a persistent entry. 0 means the entry never expires.
	Expiry time.Duration
	// Decoder is optional, the loader's default decoder is used if it is nil.
	Decoder Decoder

	// Slot is optional: requests without slot are delivered only to Callback.
	Slot     Slot
	Fallback Result
	Preset   Result

	// Progress and Dialog are consumed by this request only.
	Progress Progress
	Dialog   Dialog

	Auth        Authenticator
	Transformer Transformer
	Animation   Animation
	Callback    Callback
}

func (req Request) Validate() error {
	if req.Source == "" {
		return fmt.Errorf("%w: source can't be empty", ErrMalformedRequest)
	}
	if req.Params.TargetWidth < 0 {
		return fmt.Errorf("%w: target width must be >= 0, got %d", ErrMalformedRequest, req.Params.TargetWidth)
	}
	if req.Expiry < 0 {
		return fmt.Errorf("%w: expiry must be >= 0, got %s", ErrMalformedRequest, req.Expiry)
	}
	return nil
}

// Token marks the request a slot currently belongs to.
type Token struct {
	Generation uint64
	Source     SourceID
}

// Result is a decoded resource.
type Result struct {
	Value any
	// Weight is used to limit the total size of the memory cache.
	Weight int64
}

func (r Result) IsZero() bool {
	return r.Value == nil
}

type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Origin is the tier an outcome was served from.
type Origin int

const (
	FromNone Origin = iota
	FromMemory
	FromDisk
	FromNetwork
)

func (o Origin) String() string {
	switch o {
	case FromMemory:
		return "memory"
	case FromDisk:
		return "disk"
	case FromNetwork:
		return "network"
	default:
		return "none"
	}
}

// Outcome is the result of a request. Failed outcomes carry the cause in Err.
type Outcome struct {
	Status Status
	Result Result
	Err    error
	From   Origin
}

func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

func SuccessOutcome(res Result, from Origin) Outcome {
	return Outcome{Status: StatusOK, Result: res, From: from}
}

func FailedOutcome(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

func CancelledOutcome() Outcome {
	return Outcome{Status: StatusCancelled, Err: ErrCancelled}
}
