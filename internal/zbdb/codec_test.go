package zbdb

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func encode(k Key) []byte {
	buf := make([]byte, k.Length())
	k.Write(buf)
	return buf
}

func TestCodecRoundTrip(t *testing.T) {
	type record struct {
		Name  string
		Count int
	}

	t.Run("long", func(t *testing.T) {
		for _, v := range []int64{math.MinInt64, -1, 0, 1, 42, math.MaxInt64} {
			var out Long
			if err := out.Wrap(encode(&Long{Value: v})); err != nil || out.Value != v {
				t.Errorf("long %d: got %d (%v)", v, out.Value, err)
			}
		}
	})
	t.Run("int", func(t *testing.T) {
		for _, v := range []int32{math.MinInt32, -7, 0, 7, math.MaxInt32} {
			var out Int
			if err := out.Wrap(encode(&Int{Value: v})); err != nil || out.Value != v {
				t.Errorf("int %d: got %d (%v)", v, out.Value, err)
			}
		}
	})
	t.Run("strings", func(t *testing.T) {
		for _, v := range []string{"", "a", "hello world", "a\x00b", "\x00\x00", "\xff\x00\x01"} {
			var s String
			if err := s.Wrap(encode(&String{Value: v})); err != nil || s.Value != v {
				t.Errorf("string %q: got %q (%v)", v, s.Value, err)
			}
			var r RawString
			if err := r.Wrap(encode(&RawString{Value: v})); err != nil || r.Value != v {
				t.Errorf("raw string %q: got %q (%v)", v, r.Value, err)
			}
		}
	})
	t.Run("byte and bytes", func(t *testing.T) {
		var b Byte
		if err := b.Wrap(encode(&Byte{Value: 0xfe})); err != nil || b.Value != 0xfe {
			t.Errorf("byte: got %x (%v)", b.Value, err)
		}
		var raw Bytes
		if err := raw.Wrap(encode(&Bytes{Value: []byte{1, 2, 3}})); err != nil || !bytes.Equal(raw.Value, []byte{1, 2, 3}) {
			t.Errorf("bytes: got %v (%v)", raw.Value, err)
		}
	})
	t.Run("composite", func(t *testing.T) {
		in := NewComposite(&String{Value: "job"}, &Long{Value: -5})
		out := NewComposite(&String{}, &Long{})
		if err := out.Wrap(encode(in)); err != nil {
			t.Fatal(err)
		}
		if out.First.Value != "job" || out.Second.Value != -5 {
			t.Errorf("composite: got (%q, %d)", out.First.Value, out.Second.Value)
		}
	})
	t.Run("cbor", func(t *testing.T) {
		var in CBORValue[record]
		if err := in.Set(record{Name: "x", Count: 3}); err != nil {
			t.Fatal(err)
		}
		var out CBORValue[record]
		if err := out.Wrap(encode(&in)); err != nil {
			t.Fatal(err)
		}
		if out.Get() != (record{Name: "x", Count: 3}) {
			t.Errorf("cbor: got %+v", out.Get())
		}
	})
}

func TestCodecOrdering(t *testing.T) {
	longs := []int64{math.MinInt64, -1000, -1, 0, 1, 255, 256, math.MaxInt64}
	for i := 1; i < len(longs); i++ {
		a, b := encode(&Long{Value: longs[i-1]}), encode(&Long{Value: longs[i]})
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("long %d must sort before %d", longs[i-1], longs[i])
		}
	}

	ints := []int32{math.MinInt32, -1, 0, 1, math.MaxInt32}
	for i := 1; i < len(ints); i++ {
		a, b := encode(&Int{Value: ints[i-1]}), encode(&Int{Value: ints[i]})
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("int %d must sort before %d", ints[i-1], ints[i])
		}
	}

	raws := []string{"", "a", "a1", "a2", "b"}
	for i := 1; i < len(raws); i++ {
		a, b := encode(&RawString{Value: raws[i-1]}), encode(&RawString{Value: raws[i]})
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("raw %q must sort before %q", raws[i-1], raws[i])
		}
	}

	strs := []string{"", "\x00", "\x00\x00", "\x00\x01", "a", "a\x00", "a\x00b", "a\x01", "aa", "ab", "b", "\xff"}
	for i := 1; i < len(strs); i++ {
		a, b := encode(&String{Value: strs[i-1]}), encode(&String{Value: strs[i]})
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("string %q must sort before %q: %x >= %x", strs[i-1], strs[i], a, b)
		}
	}

	// Composite keys order by their first component, whatever the second.
	c1 := encode(NewComposite(&Long{Value: 1}, &RawString{Value: "zzz"}))
	c2 := encode(NewComposite(&Long{Value: 2}, &RawString{Value: "a"}))
	if bytes.Compare(c1, c2) >= 0 {
		t.Error("composite (1, zzz) must sort before (2, a)")
	}
	s1 := encode(NewComposite(&String{Value: "aa"}, &Long{Value: 9}))
	s2 := encode(NewComposite(&String{Value: "b"}, &Long{Value: 1}))
	if bytes.Compare(s1, s2) >= 0 {
		t.Error("composite (aa, 9) must sort before (b, 1)")
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		buf  []byte
	}{
		{"long short", &Long{}, make([]byte, 7)},
		{"long long", &Long{}, make([]byte, 9)},
		{"int", &Int{}, make([]byte, 3)},
		{"byte", &Byte{}, nil},
		{"string unterminated", &String{}, []byte{'a', 'b'}},
		{"string cut escape", &String{}, []byte{'a', 0}},
		{"string bad escape", &String{}, []byte{'a', 0, 2, 0, 1}},
		{"string trailing", &String{}, []byte{'a', 0, 1, 'b'}},
		{"composite", NewComposite(&Long{}, &Long{}), make([]byte, 12)},
	}
	for _, tt := range tests {
		if err := tt.key.Wrap(tt.buf); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: want ErrDecode, got %v", tt.name, err)
		}
	}

	var v CBORValue[int]
	if err := v.Wrap([]byte{0xff, 0xff}); !errors.Is(err, ErrDecode) {
		t.Errorf("cbor: want ErrDecode, got %v", err)
	}
}
