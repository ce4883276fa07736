package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api mirrors encoding/json output (sorted map keys, HTML escaping, strict
// UTF-8) so payloads stay byte-compatible with other publishers.
var api = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	ValidateString:   true,
	UseInt64:         true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func Valid(data []byte) bool {
	return api.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}
