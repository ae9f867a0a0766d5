// Package applet emulates the secure credential device: a smart-card applet
// holding a PIN, a user identity and a secret sealed under a PIN-derived key.
//
// # Lifecycle
//
// The applet starts Unselected. SELECT with its AID moves it to
// Selected/Unverified, and a successful PIN check moves it to
// Selected/Verified, which unlocks StoreSecret and RetrieveSecret. Deselection,
// reselection and SetCredential all drop back to Unverified.
//
// The PIN try counter starts at PINTryLimit. A mismatch decrements it and a
// match restores it. At zero the applet is blocked and refuses every PIN,
// including the correct one, until ResetTries.
//
// # Commands
//
//	INS  operation        payload                  protected
//	10   SetCredential    len(pin) || pin || uid   no
//	20   VerifyPIN        pin                      no
//	30   StoreSecret      16-byte secret           yes
//	40   RetrieveSecret   -                        yes
//	50   ResetTries       -                        no
//	60   GetUserID        -                        no
//
// # Key material
//
// The key is DeriveKey(pin): the PIN zero-padded to 16 bytes with every byte
// XORed with 0xAA. The secret is sealed with AES-128-CBC without padding.
// Under IVFixed the IV is the constant 00 01 .. 0F, matching cards provisioned
// by earlier releases. IVRandom stores a per-secret IV on the device instead.
//
// # Security Considerations
//
// 1. The key is a reversible function of the PIN; its strength is the PIN's.
//
// 2. ResetTries needs no PIN. Gate access to it outside this package.
//
// 3. IVFixed leaks equality of secrets sealed under the same PIN.
package applet
