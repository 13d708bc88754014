// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
)

// Key algorithms advertised in device keys and used for one-time keys.
const (
	AlgorithmOlm     = "m.olm.v1.curve25519-aes-sha2"
	SignedCurve25519 = "signed_curve25519"

	// OneTimeKeyTarget is how many one-time keys a device keeps
	// published. Uploads are triggered once the server holds fewer than
	// half of them.
	OneTimeKeyTarget = 50
)

// DeviceKeyMaterial is the private key material of one device. It is
// persisted sealed; see lib/sessionstore.
type DeviceKeyMaterial struct {
	DeviceID string `cbor:"device_id"`
	// SigningSeed is the Ed25519 seed (ed25519.SeedSize bytes).
	SigningSeed []byte `cbor:"signing_seed"`
	// IdentityKey is the Curve25519 private scalar.
	IdentityKey []byte `cbor:"identity_key"`
	// OneTimeKeys holds the private halves of published one-time keys
	// by key ID.
	OneTimeKeys map[string][]byte `cbor:"one_time_keys"`
	NextKeyID   uint32            `cbor:"next_key_id"`
	// Published is set once the device keys were accepted by the
	// homeserver.
	Published bool `cbor:"published"`
}

// GenerateDeviceKeys creates fresh Ed25519 and Curve25519 keys for a device.
func GenerateDeviceKeys(deviceID string) (*DeviceKeyMaterial, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("messaging: device ID is required for key generation")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("messaging: generating signing key: %w", err)
	}
	identity := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(identity); err != nil {
		return nil, fmt.Errorf("messaging: generating identity key: %w", err)
	}
	return &DeviceKeyMaterial{
		DeviceID:    deviceID,
		SigningSeed: seed,
		IdentityKey: identity,
		OneTimeKeys: map[string][]byte{},
		NextKeyID:   1,
	}, nil
}

func (m *DeviceKeyMaterial) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(m.SigningSeed)
}

// Ed25519 returns the unpadded base64 public signing key.
func (m *DeviceKeyMaterial) Ed25519() string {
	public := m.signingKey().Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(public)
}

// Curve25519 returns the unpadded base64 public identity key.
func (m *DeviceKeyMaterial) Curve25519() (string, error) {
	public, err := curve25519.X25519(m.IdentityKey, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("messaging: deriving identity key: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(public), nil
}

// DeviceKeys is the signed public description of a device.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any               `json:"unsigned,omitempty"`
}

// SignedKey is a signed one-time key.
type SignedKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeysUploadRequest is the body of /keys/upload.
type KeysUploadRequest struct {
	DeviceKeys  *DeviceKeys          `json:"device_keys,omitempty"`
	OneTimeKeys map[string]SignedKey `json:"one_time_keys,omitempty"`
}

type keysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type keysQueryRequest struct {
	DeviceKeys map[ref.UserID][]string `json:"device_keys"`
}

// KeysQueryResponse is the subset of /keys/query the gateway consumes.
type KeysQueryResponse struct {
	DeviceKeys map[ref.UserID]map[string]DeviceKeys `json:"device_keys"`
	Failures   map[string]json.RawMessage           `json:"failures,omitempty"`
}

type keysClaimRequest struct {
	OneTimeKeys map[ref.UserID]map[string]string `json:"one_time_keys"`
}

// KeysClaimResponse maps user, device and key ID to the claimed key.
type KeysClaimResponse struct {
	OneTimeKeys map[ref.UserID]map[string]map[string]SignedKey `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                     `json:"failures,omitempty"`
}

// SignedDeviceKeys builds this device's public keys, self-signed.
func (m *DeviceKeyMaterial) SignedDeviceKeys(userID ref.UserID) (*DeviceKeys, error) {
	identity, err := m.Curve25519()
	if err != nil {
		return nil, err
	}
	keys := &DeviceKeys{
		UserID:     userID,
		DeviceID:   m.DeviceID,
		Algorithms: []string{AlgorithmOlm, MegolmAlgorithm},
		Keys: map[string]string{
			"curve25519:" + m.DeviceID: identity,
			"ed25519:" + m.DeviceID:    m.Ed25519(),
		},
	}
	signature, err := signJSON(m.signingKey(), keys)
	if err != nil {
		return nil, err
	}
	keys.Signatures = map[string]map[string]string{
		userID.String(): {"ed25519:" + m.DeviceID: signature},
	}
	return keys, nil
}

// GenerateOneTimeKeys creates count new signed one-time keys and records
// their private halves.
func (m *DeviceKeyMaterial) GenerateOneTimeKeys(userID ref.UserID, count int) (map[string]SignedKey, error) {
	if m.OneTimeKeys == nil {
		m.OneTimeKeys = map[string][]byte{}
	}
	signing := m.signingKey()
	generated := make(map[string]SignedKey, count)
	for range count {
		private := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(private); err != nil {
			return nil, fmt.Errorf("messaging: generating one-time key: %w", err)
		}
		public, err := curve25519.X25519(private, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("messaging: deriving one-time key: %w", err)
		}

		keyID := encodeKeyID(m.NextKeyID)
		m.NextKeyID++

		key := SignedKey{Key: base64.RawStdEncoding.EncodeToString(public)}
		signature, err := signJSON(signing, key)
		if err != nil {
			return nil, err
		}
		key.Signatures = map[string]map[string]string{
			userID.String(): {"ed25519:" + m.DeviceID: signature},
		}
		m.OneTimeKeys[keyID] = private
		generated[SignedCurve25519+":"+keyID] = key
	}
	return generated, nil
}

func encodeKeyID(counter uint32) string {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], counter)
	return base64.RawStdEncoding.EncodeToString(raw[:])
}

// VerifyDeviceKeys checks the Ed25519 self-signature of a queried device.
func VerifyDeviceKeys(keys DeviceKeys) error {
	keyName := "ed25519:" + keys.DeviceID
	encodedPublic, ok := keys.Keys[keyName]
	if !ok {
		return fmt.Errorf("messaging: device %s of %s has no ed25519 key", keys.DeviceID, keys.UserID)
	}
	public, err := base64.RawStdEncoding.DecodeString(encodedPublic)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("messaging: device %s of %s has a malformed ed25519 key", keys.DeviceID, keys.UserID)
	}
	encodedSignature := keys.Signatures[keys.UserID.String()][keyName]
	if encodedSignature == "" {
		return fmt.Errorf("messaging: device %s of %s is not self-signed", keys.DeviceID, keys.UserID)
	}
	signature, err := base64.RawStdEncoding.DecodeString(encodedSignature)
	if err != nil {
		return fmt.Errorf("messaging: device %s of %s has a malformed signature", keys.DeviceID, keys.UserID)
	}
	canonical, err := canonicalJSON(keys)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(public), canonical, signature) {
		return errBadSignature
	}
	return nil
}

var errBadSignature = errors.New("messaging: device key signature does not verify")

func signJSON(key ed25519.PrivateKey, value any) (string, error) {
	canonical, err := canonicalJSON(value)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, canonical)), nil
}

// canonicalJSON encodes value as Matrix canonical JSON with the
// signatures and unsigned members removed. Go's encoder already sorts
// map keys and emits no insignificant whitespace.
func canonicalJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("messaging: encoding for signature: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("messaging: decoding for signature: %w", err)
	}
	delete(object, "signatures")
	delete(object, "unsigned")

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(object); err != nil {
		return nil, fmt.Errorf("messaging: canonical encoding: %w", err)
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}
