package wmbuscrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"
)

var testDLL = DLLHeader{Manufacturer: 0x2C2D, Address: 0x12345678, Version: 0x01, DeviceType: 0x07}

func TestDecryptELLRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	plaintext := append([]byte{0x72}, []byte("hello telegram!!")...) // starts with a plausible TPL CI byte

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := ellIV(testDLL, 7, 3)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(ciphertext, plaintext)

	got, err := DecryptELL(key, testDLL, 7, 3, ciphertext)
	if err != nil {
		t.Fatalf("DecryptELL: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %x, want %x", got, plaintext)
	}
}

func TestDecryptELLWrongKeyFailsMarkerCheck(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	wrongKey := bytes.Repeat([]byte{0x22}, 16)
	plaintext := append([]byte{0x72}, bytes.Repeat([]byte{0x00}, 15)...)

	block, _ := aes.NewCipher(key)
	iv := ellIV(testDLL, 1, 1)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(ciphertext, plaintext)

	if _, err := DecryptELL(wrongKey, testDLL, 1, 1, ciphertext); err != ErrIntegrityCheckFailed {
		t.Errorf("err = %v, want ErrIntegrityCheckFailed", err)
	}
}

func TestDecryptTPLRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	payload := append([]byte{0x2F, 0x2F}, bytes.Repeat([]byte{0xAB}, 14)...) // 16 bytes, one AES block

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	iv := tplCBCIV(testDLL, 9)
	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, payload)

	got, err := DecryptTPL(key, testDLL, 9, ciphertext)
	if err != nil {
		t.Fatalf("DecryptTPL: %v", err)
	}
	want := payload[2:]
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestDecryptTPLWrongKeyFailsSanityCheck(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	wrongKey := bytes.Repeat([]byte{0x44}, 16)
	payload := append([]byte{0x2F, 0x2F}, bytes.Repeat([]byte{0xAB}, 14)...)

	block, _ := aes.NewCipher(key)
	iv := tplCBCIV(testDLL, 9)
	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, payload)

	if _, err := DecryptTPL(wrongKey, testDLL, 9, ciphertext); err != ErrIntegrityCheckFailed {
		t.Errorf("err = %v, want ErrIntegrityCheckFailed", err)
	}
}

func TestDecryptTPLRejectsNonBlockSizedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	if _, err := DecryptTPL(key, testDLL, 0, []byte{1, 2, 3}); err == nil {
		t.Errorf("expected an error for a non-block-sized ciphertext")
	}
}

func TestIgnoreListWarnsOnce(t *testing.T) {
	l := NewIgnoreList()
	const addr = 0xDEADBEEF

	if l.IsIgnored(addr) {
		t.Fatalf("address should not be ignored yet")
	}
	if !l.MarkFailed(addr) {
		t.Errorf("first failure should request a warning")
	}
	if !l.IsIgnored(addr) {
		t.Errorf("address should now be ignored")
	}
	if l.MarkFailed(addr) {
		t.Errorf("second failure must not request another warning")
	}
	if l.MarkFailed(addr) {
		t.Errorf("third failure must not request another warning")
	}
}
