package decoder

import (
	"bytes"

	"github.com/ShoshinNikita/rload/rload"
)

const KindBytes = "bytes"

// Bytes returns fetched data as is. Params are ignored.
type Bytes struct{}

func (Bytes) Kind() string {
	return KindBytes
}

func (Bytes) Decode(data []byte, _ rload.Params) (rload.Result, error) {
	return rload.Result{
		Value:  bytes.Clone(data),
		Weight: int64(len(data)),
	}, nil
}
