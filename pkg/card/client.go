package card

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-cardauth/pkg/apdu"
	"github.com/jeremyhahn/go-cardauth/pkg/applet"
)

// Typed calls return the card's status word alongside any data. A non-nil
// error means the command never completed; refusals are reported through the
// status only.

// SetCredential enrolls pin and userID on the card.
func (c *Conn) SetCredential(ctx context.Context, pin, userID []byte) (apdu.Status, error) {
	if len(pin) > 0xFF {
		return 0, fmt.Errorf("card: pin of %d bytes does not fit the length prefix", len(pin))
	}
	payload := make([]byte, 0, 1+len(pin)+len(userID))
	payload = append(payload, byte(len(pin)))
	payload = append(payload, pin...)
	payload = append(payload, userID...)
	return c.status(ctx, apdu.NewCommand(apdu.InsSetCredential, payload))
}

// VerifyPIN presents pin for verification.
func (c *Conn) VerifyPIN(ctx context.Context, pin []byte) (apdu.Status, error) {
	return c.status(ctx, apdu.NewCommand(apdu.InsVerifyPIN, pin))
}

// StoreSecret seals secret on the card. The card must be verified.
func (c *Conn) StoreSecret(ctx context.Context, secret []byte) (apdu.Status, error) {
	return c.status(ctx, apdu.NewCommand(apdu.InsStoreSecret, secret))
}

// RetrieveSecret returns the unsealed secret. The card must be verified.
func (c *Conn) RetrieveSecret(ctx context.Context) ([]byte, apdu.Status, error) {
	return c.data(ctx, apdu.Command{Instruction: apdu.InsRetrieveSecret, Le: applet.SecretSize})
}

// ResetTries restores the PIN try counter and clears a block.
func (c *Conn) ResetTries(ctx context.Context) (apdu.Status, error) {
	return c.status(ctx, apdu.NewCommand(apdu.InsResetTries, nil))
}

// UserID returns the identity stored on the card.
func (c *Conn) UserID(ctx context.Context) ([]byte, apdu.Status, error) {
	return c.data(ctx, apdu.Command{Instruction: apdu.InsGetUserID, Le: applet.MaxUserID})
}

func (c *Conn) status(ctx context.Context, cmd apdu.Command) (apdu.Status, error) {
	resp, err := c.Transmit(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

func (c *Conn) data(ctx context.Context, cmd apdu.Command) ([]byte, apdu.Status, error) {
	resp, err := c.Transmit(ctx, cmd)
	if err != nil {
		return nil, 0, err
	}
	return resp.Data, resp.Status, nil
}
