package codec

import (
	"github.com/bytedance/sonic"
)

// JSONSerializer encodes with sonic using the standard library compatible config.
type JSONSerializer struct {
	api sonic.API
}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{api: sonic.ConfigStd}
}

func (j *JSONSerializer) Marshal(v any) ([]byte, error) {
	return j.api.Marshal(v)
}

func (j *JSONSerializer) Unmarshal(data []byte, v any) error {
	return j.api.Unmarshal(data, v)
}
