package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestItemCodecMatchesEncodingJSON(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := &Item{
		Sequence:  "0000000000000000042",
		Priority:  5,
		Payload:   []byte(`{"sql":"SELECT 1 WHERE a < b && c > d"}`),
		Operation: "exec",
		Metadata:  map[string]string{"zeta": "<z>", "alpha": "a&b"},
		CreatedAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		LastError: "database is locked",
		FailedAt:  &failedAt,
	}

	data, err := encodeItem(item)
	if err != nil {
		t.Fatalf("encodeItem: %v", err)
	}
	if !bytes.Contains(data, []byte(`\u003cz\u003e`)) {
		t.Fatalf("expected HTML-escaped metadata: %s", data)
	}
	if bytes.Index(data, []byte(`"alpha"`)) > bytes.Index(data, []byte(`"zeta"`)) {
		t.Fatalf("expected sorted metadata keys: %s", data)
	}

	var std Item
	if err := json.Unmarshal(data, &std); err != nil {
		t.Fatalf("encoding/json cannot read item file: %v", err)
	}
	decoded, err := decodeItem(data)
	if err != nil {
		t.Fatalf("decodeItem: %v", err)
	}
	if !reflect.DeepEqual(*decoded, std) {
		t.Fatalf("decoders disagree:\nsonic %+v\nstd   %+v", *decoded, std)
	}
	if !bytes.Equal(decoded.Payload, item.Payload) || decoded.Metadata["zeta"] != "<z>" {
		t.Fatalf("item changed on the way through: %+v", decoded)
	}
	if !decoded.FailedAt.Equal(failedAt) {
		t.Fatalf("failed_at = %v, want %v", decoded.FailedAt, failedAt)
	}
}

func TestDecodeItemRejectsIncompleteRecords(t *testing.T) {
	for name, data := range map[string]string{
		"truncated":   `{"sequence":"0000000000000000001","prio`,
		"no priority": `{"sequence":"0000000000000000001","payload":null}`,
		"no sequence": `{"priority":5}`,
	} {
		if _, err := decodeItem([]byte(data)); !errors.Is(err, ErrCorruptItem) {
			t.Errorf("%s: expected ErrCorruptItem, got %v", name, err)
		}
	}
}
