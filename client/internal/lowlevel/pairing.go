package lowlevel

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/keystore"
)

// Prefixes of the messages signed during device pairing.
var (
	accountSignaturePrefix = []byte{6, 0}
	deviceSignaturePrefix  = []byte{6, 1}
)

var (
	errInvalidHMAC             = errors.New("device identity hmac mismatch")
	errInvalidAccountSignature = errors.New("invalid account signature")
)

// hmacContainer is the outer envelope of the device identity sent by the
// primary device.
type hmacContainer struct {
	Details []byte `json:"details"`
	HMAC    []byte `json:"hmac"`
}

// signedDeviceIdentity is the device identity signed by the primary device
// (account signature) and by this device (device signature).
type signedDeviceIdentity struct {
	Details             []byte `json:"details"`
	AccountSignatureKey []byte `json:"accountSignatureKey"`
	AccountSignature    []byte `json:"accountSignature"`
	DeviceSignature     []byte `json:"deviceSignature,omitempty"`
}

func concatBytes(parts ...[]byte) []byte {
	var l int
	for _, p := range parts {
		l += len(p)
	}
	res := make([]byte, 0, l)
	for _, p := range parts {
		res = append(res, p...)
	}
	return res
}

// pairingQRCode returns the content of a pairing QR code for the given
// reference.
func pairingQRCode(ref string, acct *keystore.Account) string {
	enc := base64.StdEncoding.EncodeToString
	return strings.Join([]string{
		ref,
		enc(acct.NoiseKey.Pub[:]),
		enc(acct.IdentityKey.Pub[:]),
		enc(acct.AdvSecretKey),
	}, ",")
}

func (o *Orchestrator) handlePairDevice(ctx context.Context, sess *session, n, pairDevice *binnode.Node) {
	acct, err := o.cfg.Accounts.LoadAccount(ctx)
	if err != nil {
		o.log.Errorf("Unable to load account for pairing: %v", err)
		o.emit(ctx, &ErrorEvent{Err: PairingError{Err: err}})
		return
	}

	refs := pairDevice.GetChildrenByTag("ref")
	codes := make([]string, 0, len(refs))
	for i := range refs {
		if ref := string(refs[i].ContentBytes()); ref != "" {
			codes = append(codes, pairingQRCode(ref, acct))
		}
	}

	reply := iqResult(n, nil)
	go func() {
		if err := sess.send(ctx, reply); err != nil {
			o.log.Debugf("Unable to ack pair-device: %v", err)
		}
	}()

	if len(codes) == 0 {
		o.emit(ctx, &ErrorEvent{Err: ProtocolError{Tag: "pair-device",
			Err: errors.New("no pairing refs")}})
		return
	}
	o.log.Infof("Received %d pairing codes", len(codes))
	o.emit(ctx, &QRCodeEvent{Codes: codes})
}

// completePairing verifies the device identity sent by the primary device
// and returns the updated account and the signed identity to send back.
func completePairing(acct *keystore.Account, pairSuccess *binnode.Node) (*keystore.Account, []byte, error) {
	idNode, ok := pairSuccess.GetOptionalChildByTag("device-identity")
	if !ok {
		return nil, nil, errors.New("missing device-identity")
	}
	var container hmacContainer
	if err := json.Unmarshal(idNode.ContentBytes(), &container); err != nil {
		return nil, nil, fmt.Errorf("unable to decode device identity: %w", err)
	}

	mac := hmac.New(sha256.New, acct.AdvSecretKey)
	mac.Write(container.Details)
	if !hmac.Equal(mac.Sum(nil), container.HMAC) {
		return nil, nil, errInvalidHMAC
	}

	var sdi signedDeviceIdentity
	if err := json.Unmarshal(container.Details, &sdi); err != nil {
		return nil, nil, fmt.Errorf("unable to decode signed identity: %w", err)
	}
	if len(sdi.AccountSignatureKey) != ed25519.PublicKeySize {
		return nil, nil, errInvalidAccountSignature
	}
	accountMsg := concatBytes(accountSignaturePrefix, sdi.Details, acct.IdentityKey.Pub[:])
	if !ed25519.Verify(sdi.AccountSignatureKey, accountMsg, sdi.AccountSignature) {
		return nil, nil, errInvalidAccountSignature
	}
	if len(acct.SigningKey) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("account has no signing key")
	}

	deviceMsg := concatBytes(deviceSignaturePrefix, sdi.Details,
		acct.IdentityKey.Pub[:], sdi.AccountSignatureKey)
	sdi.DeviceSignature = ed25519.Sign(acct.SigningKey, deviceMsg)

	device := pairSuccess.GetChildByTag("device")
	id, err := device.AttrJID("jid")
	if err != nil {
		return nil, nil, fmt.Errorf("invalid device jid: %w", err)
	}

	newAcct := acct.Clone()
	newAcct.ID = id
	if lid, err := device.AttrJID("lid"); err == nil {
		newAcct.LID = lid
	}
	platform := pairSuccess.GetChildByTag("platform")
	if name := platform.AttrString("name"); name != "" {
		newAcct.Platform = name
	}
	newAcct.Details = sdi.Details
	newAcct.AccountSignatureKey = sdi.AccountSignatureKey
	newAcct.AccountSignature = sdi.AccountSignature
	newAcct.DeviceSignature = sdi.DeviceSignature

	// The account signature key is not sent back.
	sdi.AccountSignatureKey = nil
	signed, err := json.Marshal(sdi)
	if err != nil {
		return nil, nil, err
	}
	return newAcct, signed, nil
}

func (o *Orchestrator) handlePairSuccess(ctx context.Context, sess *session, n, pairSuccess *binnode.Node) {
	fail := func(err error) {
		o.log.Errorf("Pairing failed: %v", err)
		o.emit(ctx, &ErrorEvent{Err: PairingError{Err: err}})
		if err := sess.send(ctx, iqErrorReply(n, 500, "internal-error")); err != nil {
			o.log.Debugf("Unable to send pairing error reply: %v", err)
		}
	}

	acct, err := o.cfg.Accounts.LoadAccount(ctx)
	if err != nil {
		fail(err)
		return
	}
	newAcct, signed, err := completePairing(acct, pairSuccess)
	if err != nil {
		fail(err)
		return
	}
	if err := o.cfg.Accounts.SetAccount(ctx, newAcct); err != nil {
		fail(fmt.Errorf("unable to persist account: %w", err))
		return
	}

	reply := iqResult(n, []binnode.Node{{
		Tag: "pair-device-sign",
		Content: []binnode.Node{{
			Tag:     "device-identity",
			Attrs:   binnode.Attrs{"key-index": "0"},
			Content: signed,
		}},
	}})
	if err := sess.send(ctx, reply); err != nil {
		o.log.Warnf("Unable to send pair-device-sign: %v", err)
	}

	o.log.Infof("Paired as %s (platform %s)", newAcct.ID, newAcct.Platform)
	o.emit(ctx, &PairSuccessEvent{
		ID:       newAcct.ID,
		LID:      newAcct.LID,
		Platform: newAcct.Platform,
	})
}
