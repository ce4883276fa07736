package jsoncodec

import (
	"bytes"
	"testing"
)

type testPayload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "jobflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"id":42,"name":"jobflow"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestMapKeysSortedAndHTMLEscaped(t *testing.T) {
	data, err := Marshal(map[string]string{"b": "<x>", "a": "&"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"a":"\u0026","b":"\u003cx\u003e"}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}

func TestUnmarshalLargeIntegersIntoAny(t *testing.T) {
	var out map[string]any
	if err := Unmarshal([]byte(`{"n":9007199254740993}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["n"] != int64(9007199254740993) {
		t.Fatalf("expected exact int64, got %T %v", out["n"], out["n"])
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"ok":true}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"ok":`)) {
		t.Fatal("expected invalid JSON")
	}
}

func TestEncode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, testPayload{ID: 7, Name: "stream"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if buf.String() != "{\"id\":7,\"name\":\"stream\"}\n" {
		t.Fatalf("unexpected encoder output %q", buf.String())
	}
}
