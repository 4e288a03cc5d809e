package codec

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
)

type sample struct {
	B    map[string]string `cbor:"b"`
	A    uint64            `cbor:"a"`
	Key  [16]byte          `cbor:"key"`
	Blob []byte            `cbor:"blob,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{A: 7, B: map[string]string{"z": "1", "a": "2", "m": "3"}, Key: [16]byte{1, 2, 3}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := Marshal(v)
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed on iteration %d", i)
		}
	}
	var out sample
	if err := Unmarshal(first, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(v, out) {
		t.Fatalf("round trip mismatch: %+v vs %+v", v, out)
	}
}

func TestUnmarshalGarbageIsCorruption(t *testing.T) {
	var out sample
	err := Unmarshal([]byte{0xff, 0x00, 0x13}, &out)
	if !auraerr.Is(err, auraerr.KindCorruption) {
		t.Fatalf("want corruption, got %v", err)
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read: %q %v", got, err)
	}
	got, err = ReadFrame(&buf)
	if err != nil || len(got) != 0 {
		t.Fatalf("read empty: %q %v", got, err)
	}
	body, err := Unframe(Frame([]byte("abc")))
	if err != nil || string(body) != "abc" {
		t.Fatalf("unframe: %q %v", body, err)
	}
	if _, err := Unframe([]byte{0, 0, 0, 9, 1}); err == nil {
		t.Fatalf("bad length must fail")
	}
}
