package firmware

import "testing"

func TestVendorStringRoundTrip(t *testing.T) {
	for _, exp := range []string{"EDK II", "Ωmega Firmware", ""} {
		enc, err := EncodeString(exp)
		if err != nil {
			t.Fatal(err)
		}

		if len(enc)%2 != 0 || enc[len(enc)-1] != 0 || enc[len(enc)-2] != 0 {
			t.Fatalf("expected a NUL terminated UCS-2 string; got % x", enc)
		}

		// Garbage after the terminator must be ignored
		enc = append(enc, 'x', 0)

		got, err := DecodeString(enc)
		if err != nil {
			t.Fatal(err)
		}

		if got != exp {
			t.Fatalf("expected %q; got %q", exp, got)
		}
	}
}
