package applet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jeremyhahn/go-cardauth/pkg/apdu"
)

// Fixed device parameters.
const (
	PINTryLimit = 3
	MaxPINSize  = 8
	KeySize     = 16
	SecretSize  = 16
	MaxUserID   = 16
)

// DefaultAID is the application identifier the applet answers SELECT for.
var DefaultAID = []byte{0x25, 0x25, 0x25, 0x25, 0x25}

var (
	// ErrNotSelected indicates a command arrived while the applet was not selected.
	ErrNotSelected = errors.New("applet: not selected")
	// ErrInvalidInput indicates a credential outside the accepted PIN length.
	ErrInvalidInput = errors.New("applet: invalid input")
	// ErrInvalidLength indicates a payload of the wrong size.
	ErrInvalidLength = errors.New("applet: invalid length")
	// ErrNotAuthenticated indicates a protected operation before PIN verification.
	ErrNotAuthenticated = errors.New("applet: pin not verified")
	// ErrBlocked indicates the try counter is exhausted.
	ErrBlocked = errors.New("applet: pin blocked")
	// ErrWrongPIN is matched by WrongPINError.
	ErrWrongPIN = errors.New("applet: wrong pin")
)

// WrongPINError reports a PIN mismatch and the attempts left before lockout.
type WrongPINError struct {
	Remaining int
}

func (e *WrongPINError) Error() string {
	return fmt.Sprintf("applet: wrong pin, %d tries remaining", e.Remaining)
}

// Is lets errors.Is match ErrWrongPIN.
func (e *WrongPINError) Is(target error) bool { return target == ErrWrongPIN }

// Selection is the applet's position in the select/verify lifecycle.
type Selection int

const (
	Unselected Selection = iota
	SelectedUnverified
	SelectedVerified
)

func (s Selection) String() string {
	switch s {
	case Unselected:
		return "unselected"
	case SelectedUnverified:
		return "selected/unverified"
	case SelectedVerified:
		return "selected/verified"
	}
	return fmt.Sprintf("Selection(%d)", int(s))
}

// State is a read-only snapshot of the applet, for diagnostics.
type State struct {
	Selection      Selection
	TriesRemaining int
	Blocked        bool
	CredentialSet  bool
	SecretStored   bool
}

// Option configures an Applet.
type Option func(*Applet)

// WithIVPolicy selects how the stored secret's IV is chosen. Defaults to IVFixed.
func WithIVPolicy(p IVPolicy) Option {
	return func(a *Applet) {
		a.ivPolicy = p
	}
}

// WithRandom overrides the entropy source used by IVRandom.
func WithRandom(r io.Reader) Option {
	return func(a *Applet) {
		a.rand = r
	}
}

// WithAID overrides the application identifier matched by SELECT.
func WithAID(aid []byte) Option {
	return func(a *Applet) {
		a.aid = append([]byte(nil), aid...)
	}
}

// Applet is an emulated secure credential device. It processes one command
// at a time; every exported method is serialized on the same lock.
type Applet struct {
	mu sync.Mutex

	aid      []byte
	ivPolicy IVPolicy
	rand     io.Reader

	selection Selection
	pin       pinState
	userID    [MaxUserID]byte
	userIDLen int
	key       [KeySize]byte
	keySet    bool
	secret    sealed
}

// New returns an applet in its install state: no credential, no identity,
// zeroed key material, unselected.
func New(opts ...Option) *Applet {
	a := &Applet{
		aid:  append([]byte(nil), DefaultAID...),
		rand: rand.Reader,
		pin:  newPINState(PINTryLimit),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// AID returns the application identifier.
func (a *Applet) AID() []byte {
	return append([]byte(nil), a.aid...)
}

// Select enters Selected/Unverified. Selecting an already selected applet
// drops any verified state.
func (a *Applet) Select() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selection = SelectedUnverified
}

// Deselect returns to Unselected and clears the verified state. The try
// counter is left as is.
func (a *Applet) Deselect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selection = Unselected
}

// State returns a snapshot of the applet.
func (a *Applet) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Selection:      a.selection,
		TriesRemaining: a.pin.tries,
		Blocked:        a.pin.blocked(),
		CredentialSet:  a.pin.set,
		SecretStored:   a.secret.stored,
	}
}

// SetCredential installs a new PIN and user identity. The key is re-derived
// from the PIN, any stored secret is discarded, and verification is revoked.
// An empty or oversized userID is stored as empty.
func (a *Applet) SetCredential(pin, userID []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return err
	}
	return a.setCredential(pin, userID)
}

func (a *Applet) setCredential(pin, userID []byte) error {
	if len(pin) == 0 || len(pin) > MaxPINSize {
		return fmt.Errorf("%w: pin length %d", ErrInvalidInput, len(pin))
	}
	a.pin.update(pin)

	a.userID = [MaxUserID]byte{}
	a.userIDLen = 0
	if len(userID) > 0 && len(userID) <= MaxUserID {
		a.userIDLen = copy(a.userID[:], userID)
	}

	a.key = DeriveKey(pin)
	a.keySet = true
	a.secret.clear()
	a.selection = SelectedUnverified
	return nil
}

// VerifyPIN checks pin against the reference. A match enters
// Selected/Verified; a mismatch returns *WrongPINError or ErrBlocked.
func (a *Applet) VerifyPIN(pin []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return err
	}
	return a.verifyPIN(pin)
}

func (a *Applet) verifyPIN(pin []byte) error {
	if len(pin) > MaxPINSize {
		return fmt.Errorf("%w: pin length %d", ErrInvalidLength, len(pin))
	}
	if a.pin.blocked() {
		a.selection = SelectedUnverified
		return ErrBlocked
	}
	if a.pin.check(pin) {
		a.selection = SelectedVerified
		return nil
	}
	a.selection = SelectedUnverified
	if a.pin.blocked() {
		return ErrBlocked
	}
	return &WrongPINError{Remaining: a.pin.tries}
}

// StoreSecret seals a SecretSize plaintext under the PIN-derived key.
func (a *Applet) StoreSecret(plaintext []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return err
	}
	return a.storeSecret(plaintext)
}

func (a *Applet) storeSecret(plaintext []byte) error {
	if err := a.requireVerified(); err != nil {
		return err
	}
	if len(plaintext) != SecretSize {
		return fmt.Errorf("%w: secret of %d bytes", ErrInvalidLength, len(plaintext))
	}
	return a.secret.seal(a.key, plaintext, a.ivPolicy, a.rand)
}

// RetrieveSecret returns the decrypted secret. If no secret has been stored
// since the last SetCredential the result is SecretSize zero bytes.
func (a *Applet) RetrieveSecret() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return nil, err
	}
	return a.retrieveSecret()
}

func (a *Applet) retrieveSecret() ([]byte, error) {
	if err := a.requireVerified(); err != nil {
		return nil, err
	}
	return a.secret.open(a.key)
}

// ResetTries restores the try counter and clears a lockout. It requires no
// PIN; whoever can reach this command must be trusted by the host system.
func (a *Applet) ResetTries() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return err
	}
	a.pin.resetAndUnblock()
	return nil
}

// UserID returns the stored identity with its true length.
func (a *Applet) UserID() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSelected(); err != nil {
		return nil, err
	}
	return a.userIDBytes(), nil
}

func (a *Applet) userIDBytes() []byte {
	return append([]byte{}, a.userID[:a.userIDLen]...)
}

func (a *Applet) requireSelected() error {
	if a.selection == Unselected {
		return ErrNotSelected
	}
	return nil
}

func (a *Applet) requireVerified() error {
	if a.selection != SelectedVerified || !a.keySet {
		return ErrNotAuthenticated
	}
	return nil
}

// Process handles one command frame and returns the response frame. Frames
// that cannot be decoded are answered with a protocol status and leave the
// applet untouched.
func (a *Applet) Process(frame []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.process(frame).Encode()
}

func (a *Applet) process(frame []byte) apdu.Response {
	cmd, err := apdu.ParseCommand(frame)
	if err != nil {
		return status(apdu.StatusWrongLength)
	}
	if cmd.Class != apdu.ClassISO {
		return status(apdu.StatusClassNotSupported)
	}
	if cmd.Instruction == apdu.InsSelect {
		return a.processSelect(cmd)
	}
	if a.selection == Unselected {
		return status(apdu.StatusConditionsNotMet)
	}
	if cmd.P1 != 0 || cmd.P2 != 0 {
		return status(apdu.StatusWrongParameters)
	}

	switch cmd.Instruction {
	case apdu.InsSetCredential:
		return a.processSetCredential(cmd.Data)
	case apdu.InsVerifyPIN:
		return respond(nil, a.verifyPIN(cmd.Data))
	case apdu.InsStoreSecret:
		return respond(nil, a.storeSecret(cmd.Data))
	case apdu.InsRetrieveSecret:
		return respond(a.retrieveSecret())
	case apdu.InsResetTries:
		a.pin.resetAndUnblock()
		return status(apdu.StatusSuccess)
	case apdu.InsGetUserID:
		return apdu.NewResponse(apdu.StatusSuccess, a.userIDBytes())
	}
	return status(apdu.StatusInsNotSupported)
}

func (a *Applet) processSelect(cmd apdu.Command) apdu.Response {
	if cmd.P1 != apdu.SelectByName {
		return status(apdu.StatusWrongParameters)
	}
	if !bytes.Equal(cmd.Data, a.aid) {
		a.selection = Unselected
		return status(apdu.StatusNotFound)
	}
	a.selection = SelectedUnverified
	return status(apdu.StatusSuccess)
}

// processSetCredential decodes len(pin) || pin || userID.
func (a *Applet) processSetCredential(data []byte) apdu.Response {
	if len(data) == 0 {
		return status(apdu.StatusWrongData)
	}
	pinLen := int(data[0])
	if pinLen == 0 || pinLen > MaxPINSize {
		return status(apdu.StatusWrongData)
	}
	if 1+pinLen > len(data) {
		return status(apdu.StatusWrongLength)
	}
	return respond(nil, a.setCredential(data[1:1+pinLen], data[1+pinLen:]))
}

func status(s apdu.Status) apdu.Response {
	return apdu.NewResponse(s, nil)
}

func respond(data []byte, err error) apdu.Response {
	if err != nil {
		return status(StatusFor(err))
	}
	return apdu.NewResponse(apdu.StatusSuccess, data)
}

// StatusFor maps an applet error to the status word sent on the wire.
func StatusFor(err error) apdu.Status {
	var wrong *WrongPINError
	switch {
	case err == nil:
		return apdu.StatusSuccess
	case errors.As(err, &wrong):
		return apdu.TriesRemaining(wrong.Remaining)
	case errors.Is(err, ErrBlocked):
		return apdu.StatusBlocked
	case errors.Is(err, ErrNotAuthenticated):
		return apdu.StatusPINRequired
	case errors.Is(err, ErrInvalidInput):
		return apdu.StatusWrongData
	case errors.Is(err, ErrInvalidLength):
		return apdu.StatusWrongLength
	case errors.Is(err, ErrNotSelected):
		return apdu.StatusConditionsNotMet
	}
	// seal/open only fail on entropy errors under IVRandom
	return apdu.StatusWrongData
}
