package card

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cardauth/pkg/apdu"
	"github.com/jeremyhahn/go-cardauth/pkg/applet"
)

func dialEmulator(t *testing.T, p *EmulatorProvider) *Conn {
	t.Helper()
	conn, err := Dial(context.Background(), DefaultConfig(), p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestEmulatorEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := NewEmulatorProvider(nil)
	conn := dialEmulator(t, p)
	require.Equal(t, applet.SelectedUnverified, p.Applet().State().Selection)

	secret := bytes.Repeat([]byte{0x5A}, applet.SecretSize)

	status, err := conn.SetCredential(ctx, []byte("1234"), []byte("alice"))
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)

	status, err = conn.StoreSecret(ctx, secret)
	require.NoError(t, err)
	require.Equal(t, apdu.StatusPINRequired, status)

	status, err = conn.VerifyPIN(ctx, []byte("1234"))
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)

	status, err = conn.StoreSecret(ctx, secret)
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)

	got, status, err := conn.RetrieveSecret(ctx)
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)
	require.Equal(t, secret, got)

	uid, status, err := conn.UserID(ctx)
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)
	require.Equal(t, []byte("alice"), uid)
}

func TestEmulatorLockoutOverChannel(t *testing.T) {
	ctx := context.Background()
	conn := dialEmulator(t, NewEmulatorProvider(nil))
	_, err := conn.SetCredential(ctx, []byte("1234"), []byte("alice"))
	require.NoError(t, err)

	for _, want := range []apdu.Status{0x63C2, 0x63C1, apdu.StatusBlocked} {
		status, err := conn.VerifyPIN(ctx, []byte("0000"))
		require.NoError(t, err)
		require.Equal(t, want, status)
	}

	status, err := conn.ResetTries(ctx)
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)

	status, err = conn.VerifyPIN(ctx, []byte("1234"))
	require.NoError(t, err)
	require.Equal(t, apdu.StatusSuccess, status)
}

func TestEmulatorSingleSession(t *testing.T) {
	p := NewEmulatorProvider(nil)
	conn, err := Dial(context.Background(), DefaultConfig(), p)
	require.NoError(t, err)

	_, err = Dial(context.Background(), DefaultConfig(), p)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, conn.Close(context.Background()))
	again := dialEmulator(t, p)
	require.NotNil(t, again)
}

func TestEmulatorCloseDeselects(t *testing.T) {
	ctx := context.Background()
	p := NewEmulatorProvider(nil)
	conn, err := Dial(ctx, DefaultConfig(), p)
	require.NoError(t, err)
	_, err = conn.SetCredential(ctx, []byte("1234"), nil)
	require.NoError(t, err)
	_, err = conn.VerifyPIN(ctx, []byte("1234"))
	require.NoError(t, err)
	require.Equal(t, applet.SelectedVerified, p.Applet().State().Selection)

	require.NoError(t, conn.Close(ctx))
	require.Equal(t, applet.Unselected, p.Applet().State().Selection)
	require.True(t, p.Applet().State().CredentialSet)
}

func TestEmulatorWrongAID(t *testing.T) {
	p := NewEmulatorProvider(nil)
	_, err := Dial(context.Background(), Config{AID: []byte{1, 2, 3, 4, 5}}, p)
	require.ErrorIs(t, err, ErrSelectFailed)

	// a failed dial releases the card
	dialEmulator(t, p)
}
