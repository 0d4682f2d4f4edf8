package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Data payload codec. Payloads are self-describing: a type tag plus the
// encoded value, so the receiver can reconstruct the typed value without any
// out-of-band schema. The representable types are nil, bool, float64, string,
// []byte, []any and map[string]any.

type taggedValue struct {
	Tag   string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

const (
	tagNull   = "z"
	tagBool   = "b"
	tagNumber = "n"
	tagString = "s"
	tagBytes  = "y"
	tagList   = "l"
	tagMap    = "m"
)

// MarshalValue encodes a typed value into payload bytes.
func MarshalValue(v any) ([]byte, error) {
	tv, err := tagValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tv)
}

// UnmarshalValue decodes payload bytes back into a typed value. A corrupted
// payload returns an error; it never panics past the message boundary.
func UnmarshalValue(raw []byte) (any, error) {
	var tv taggedValue
	if err := json.Unmarshal(raw, &tv); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return untagValue(tv)
}

func tagValue(v any) (taggedValue, error) {
	switch val := v.(type) {
	case nil:
		return taggedValue{Tag: tagNull}, nil
	case bool:
		return wrap(tagBool, val)
	case float64:
		return wrap(tagNumber, val)
	case int:
		return wrap(tagNumber, float64(val))
	case int64:
		return wrap(tagNumber, float64(val))
	case string:
		return wrap(tagString, val)
	case []byte:
		return wrap(tagBytes, base64.StdEncoding.EncodeToString(val))
	case []any:
		items := make([]taggedValue, len(val))
		for i, item := range val {
			tv, err := tagValue(item)
			if err != nil {
				return taggedValue{}, err
			}
			items[i] = tv
		}
		return wrap(tagList, items)
	case map[string]any:
		fields := make(map[string]taggedValue, len(val))
		for k, item := range val {
			tv, err := tagValue(item)
			if err != nil {
				return taggedValue{}, err
			}
			fields[k] = tv
		}
		return wrap(tagMap, fields)
	default:
		return taggedValue{}, fmt.Errorf("protocol: unrepresentable payload type %T", v)
	}
}

func wrap(tag string, v any) (taggedValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{Tag: tag, Value: raw}, nil
}

func untagValue(tv taggedValue) (any, error) {
	switch tv.Tag {
	case tagNull:
		return nil, nil
	case tagBool:
		var v bool
		return v, decodeInto(tv.Value, &v)
	case tagNumber:
		var v float64
		return v, decodeInto(tv.Value, &v)
	case tagString:
		var v string
		return v, decodeInto(tv.Value, &v)
	case tagBytes:
		var enc string
		if err := decodeInto(tv.Value, &enc); err != nil {
			return nil, err
		}
		v, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: payload bytes: %v", ErrMalformed, err)
		}
		return v, nil
	case tagList:
		var items []taggedValue
		if err := decodeInto(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := untagValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case tagMap:
		var fields map[string]taggedValue
		if err := decodeInto(tv.Value, &fields); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			v, err := untagValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload tag %q", ErrMalformed, tv.Tag)
	}
}

func decodeInto(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload value", ErrMalformed)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}
