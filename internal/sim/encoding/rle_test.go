package encoding

import "testing"

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]uint16, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	enc := EncodeRLE(in)
	out, err := DecodeRLE(enc)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestRLE_Empty(t *testing.T) {
	enc := EncodeRLE(nil)
	if len(enc) != 0 {
		t.Fatalf("encode nil: %d bytes", len(enc))
	}
	out, err := DecodeRLE(enc)
	if err != nil || len(out) != 0 {
		t.Fatalf("decode empty: out=%v err=%v", out, err)
	}
}

func TestRLE_Truncated(t *testing.T) {
	enc := EncodeRLE([]uint16{5, 5, 5})
	if _, err := DecodeRLE(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated input")
	}
}

func TestRLE8_RoundTrip(t *testing.T) {
	in := make([]uint8, 0, 4096)
	for i := 0; i < 4000; i++ {
		in = append(in, 0)
	}
	in = append(in, 1, 1, 2, 0xFF)

	enc := EncodeRLE8(in)
	out, err := DecodeRLE8(enc)
	if err != nil {
		t.Fatalf("DecodeRLE8: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}
