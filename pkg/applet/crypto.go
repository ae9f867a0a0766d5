package applet

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// keyMask is XORed into every byte of the PIN-derived key.
const keyMask byte = 0xAA

// IVPolicy selects the initialization vector used to seal the stored secret.
type IVPolicy int

const (
	// IVFixed reuses the constant vector 00 01 .. 0F for every encryption.
	// Existing cards were provisioned this way; identical secrets sealed under
	// the same PIN produce identical ciphertext.
	IVFixed IVPolicy = iota
	// IVRandom draws a fresh vector for every StoreSecret and keeps it on the
	// device beside the ciphertext. The command protocol is unaffected.
	IVRandom
)

func (p IVPolicy) String() string {
	switch p {
	case IVFixed:
		return "fixed"
	case IVRandom:
		return "random"
	}
	return fmt.Sprintf("IVPolicy(%d)", int(p))
}

func fixedIV() [aes.BlockSize]byte {
	var iv [aes.BlockSize]byte
	for i := range iv {
		iv[i] = byte(i)
	}
	return iv
}

// DeriveKey computes the AES-128 key for a PIN: up to KeySize PIN bytes,
// zero-filled, each XORed with 0xAA. The same PIN always yields the same key.
func DeriveKey(pin []byte) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], pin)
	for i := range key {
		key[i] ^= keyMask
	}
	return key
}

// sealed is the device-resident ciphertext of the caller's secret.
type sealed struct {
	ciphertext [SecretSize]byte
	iv         [aes.BlockSize]byte
	stored     bool
}

func (s *sealed) clear() {
	*s = sealed{}
}

func (s *sealed) seal(key [KeySize]byte, plaintext []byte, policy IVPolicy, rnd io.Reader) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	iv := fixedIV()
	if policy == IVRandom {
		if _, err := io.ReadFull(rnd, iv[:]); err != nil {
			return fmt.Errorf("applet: iv generation failed: %w", err)
		}
	}
	var out [SecretSize]byte
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out[:], plaintext)
	s.ciphertext = out
	s.iv = iv
	s.stored = true
	return nil
}

// open decrypts the stored secret. Before anything has been sealed it
// returns SecretSize zero bytes rather than decrypting empty storage.
func (s *sealed) open(key [KeySize]byte) ([]byte, error) {
	out := make([]byte, SecretSize)
	if !s.stored {
		return out, nil
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv := s.iv
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, s.ciphertext[:])
	return out, nil
}
