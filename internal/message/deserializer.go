package message

import "encoding/json"

// Deserializer turns a raw broker record into the field map carried by a
// Message. Returning nil means the record could not be decoded and should
// be dropped. Implementations must be pure: no I/O, no retained state.
type Deserializer interface {
	Deserialize(topic string, partition int32, offset int64, key, value []byte) map[string]any
}

// JSONDeserializer decodes the record value as a JSON object and exposes
// the record key under "key".
type JSONDeserializer struct{}

func (JSONDeserializer) Deserialize(topic string, partition int32, offset int64, key, value []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil || fields == nil {
		return nil
	}
	if _, ok := fields["key"]; !ok {
		fields["key"] = string(key)
	}
	return fields
}

// RawDeserializer passes key and value through as strings. Useful for
// topics that carry plain text payloads.
type RawDeserializer struct{}

func (RawDeserializer) Deserialize(topic string, partition int32, offset int64, key, value []byte) map[string]any {
	return map[string]any{
		"key":   string(key),
		"value": string(value),
	}
}
