package queue

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// itemJSON keeps encoding/json semantics (sorted map keys, HTML escaping) for
// both directions, so item files written here read back byte-for-byte.
var itemJSON = sonic.ConfigStd

func encodeItem(item *Item) ([]byte, error) {
	data, err := itemJSON.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeItem(data []byte) (*Item, error) {
	var item Item
	if err := itemJSON.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptItem, err)
	}
	if item.Sequence == "" || item.Priority == 0 {
		return nil, fmt.Errorf("%w: missing sequence or priority", ErrCorruptItem)
	}
	return &item, nil
}
