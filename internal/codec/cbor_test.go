package codec

import (
	"bytes"
	"testing"
)

// TestMarshalDeterministic tests that map encoding does not depend on iteration order.
func TestMarshalDeterministic(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2, "d": 4}

	first, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for range 20 {
		again, err := Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed: %x vs %x", first, again)
		}
	}

	var out map[string]int
	if err := Unmarshal(first, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(out) != 4 || out["d"] != 4 {
		t.Fatalf("unexpected result: %v", out)
	}
}

// TestUnmarshalRejectsDuplicateKeys tests strict map decoding.
func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {1: 1, 1: 2}
	data := []byte{0xa2, 0x01, 0x01, 0x01, 0x02}

	var out map[int]int
	if err := Unmarshal(data, &out); err == nil {
		t.Fatalf("expected an error, got %v", out)
	}
}
