package tracker

import (
	"errors"
	"testing"
)

func TestDeviceKey_StringRoundTrip(t *testing.T) {
	mac, _ := ParseMAC("aa:bb:cc:dd:ee:ff")
	key := NewDeviceKey(3, mac, 0)

	text := key.String()
	if text != "3_aabbccddeeff_0" {
		t.Errorf("String() = %q, want %q", text, "3_aabbccddeeff_0")
	}

	parsed, err := ParseDeviceKey(text)
	if err != nil {
		t.Fatalf("ParseDeviceKey(%q) error = %v", text, err)
	}
	if parsed != key {
		t.Errorf("round trip = %+v, want %+v", parsed, key)
	}
}

func TestDeviceKey_SaltDistinguishes(t *testing.T) {
	mac, _ := ParseMAC("aa:bb:cc:dd:ee:ff")

	k0 := NewDeviceKey(1, mac, 0)
	k1 := NewDeviceKey(1, mac, 1)

	if k0 == k1 {
		t.Error("keys with different salts must not be equal")
	}
	if k0.MAC() != k1.MAC() {
		t.Error("keys with different salts share the address")
	}
}

func TestDeviceKey_Bytes(t *testing.T) {
	mac, _ := ParseMAC("aa:bb:cc:dd:ee:ff")
	key := NewDeviceKey(0x01020304, mac, 0x0000060708090a0b)

	b := key.Bytes()
	want := [16]byte{
		0x01, 0x02, 0x03, 0x04,
		0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
		0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b,
	}
	if b != want {
		t.Errorf("Bytes() = % x, want % x", b, want)
	}
}

func TestParseDeviceKey_Invalid(t *testing.T) {
	tests := []string{
		"",
		"1_aabbccddeeff",
		"x_aabbccddeeff_0",
		"1_nothex_0",
		"1_aabbccddeeff_nothex",
		"1_ffffffffffffff_0", // over 48 bits
	}

	for _, input := range tests {
		if _, err := ParseDeviceKey(input); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseDeviceKey(%q) error = %v, want ErrInvalidKey", input, err)
		}
	}
}
