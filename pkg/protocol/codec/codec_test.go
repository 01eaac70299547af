package codec

import (
    "testing"
)

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := map[string]any{"a": "ping", "cb": 1}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out["a"].(string) != "ping" || out["cb"].(float64) != 1 {
        t.Fatalf("roundtrip mismatch: %#v", out)
    }
}

func TestCBORCodec(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    in := map[string]any{"rb": 7}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out map[string]any
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    switch n := out["rb"].(type) {
    case uint64:
        if n != 7 { t.Fatalf("roundtrip mismatch: %#v", out) }
    case int64:
        if n != 7 { t.Fatalf("roundtrip mismatch: %#v", out) }
    default:
        t.Fatalf("unexpected number type: %#v", out)
    }
}

func TestRegistry(t *testing.T) {
    r, err := NewRegistry()
    if err != nil { t.Fatalf("new registry: %v", err) }
    if r.Get(ContentJSON) == nil { t.Fatalf("json codec missing") }
    if r.Get(ContentCBOR) == nil { t.Fatalf("cbor codec missing") }
    if r.Get("application/x-unknown") != nil { t.Fatalf("unexpected codec") }
}
