package tmc5130

import (
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		addr  byte
		value uint32
	}{
		{"zero", 0x00, 0},
		{"gconf_pwm", 0x00, 0x00000004},
		{"xtarget_write", RegXTarget | 0x80, 51200},
		{"negative_position", RegXActual | 0x80, 0xFFFF3800}, // -51200
		{"all_ones", RegDrvStatus, 0xFFFFFFFF},
		{"byte_order_probe", RegV1, 0x01020304},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := Encode(tc.addr, tc.value)
			if len(buf) != 5 {
				t.Fatalf("Encode length = %d, want 5", len(buf))
			}
			if buf[0] != tc.addr {
				t.Errorf("address byte = 0x%02X, want 0x%02X", buf[0], tc.addr)
			}

			status, value, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if status != tc.addr {
				t.Errorf("status byte = 0x%02X, want 0x%02X", status, tc.addr)
			}
			if value != tc.value {
				t.Errorf("payload = 0x%08X, want 0x%08X", value, tc.value)
			}
		})
	}
}

func TestEncode_BigEndianPayload(t *testing.T) {
	buf := Encode(RegVMax, 0x01020304)
	want := []byte{RegVMax, 0x01, 0x02, 0x03, 0x04}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = 0x%02X, want 0x%02X (MSB-first payload)", i, buf[i], want[i])
		}
	}
}

func TestDecode_BadLength(t *testing.T) {
	for _, n := range []int{0, 1, 4, 6, 10} {
		_, _, err := Decode(make([]byte, n))
		if !errors.Is(err, ErrBadDatagram) {
			t.Errorf("Decode(%d bytes): err = %v, want ErrBadDatagram", n, err)
		}
	}
}
