// RDP Peer Go - Server-side RDP protocol core
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rdp

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Standard RDP security (MS-RDPBCGR 5.3): RSA key exchange of the
// client random, session key derivation, and RC4 with an 8-byte MAC on
// every encrypted payload. Only used when the negotiated protocol is
// PROTOCOL_RDP; TLS-based connections skip this layer entirely.

// Security header flags (MS-RDPBCGR 2.2.8.1.1.2.1)
const (
	SEC_EXCHANGE_PKT    = 0x0001
	SEC_TRANSPORT_REQ   = 0x0002
	SEC_TRANSPORT_RSP   = 0x0004
	SEC_ENCRYPT         = 0x0008
	SEC_RESET_SEQNO     = 0x0010
	SEC_IGNORE_SEQNO    = 0x0020
	SEC_INFO_PKT        = 0x0040
	SEC_LICENSE_PKT     = 0x0080
	SEC_LICENSE_ENCRYPT = 0x0200
	SEC_REDIRECTION_PKT = 0x0400
	SEC_SECURE_CHECKSUM = 0x0800
	SEC_AUTODETECT_REQ  = 0x1000
	SEC_AUTODETECT_RSP  = 0x2000
	SEC_HEARTBEAT       = 0x4000
	SEC_FLAGSHI_VALID   = 0x8000
)

// Key update cadence (MS-RDPBCGR 5.3.7)
const keyUpdateInterval = 4096

// SessionKeys holds the derived directional keys for one connection.
type SessionKeys struct {
	SignKey    []byte
	EncryptKey []byte
	DecryptKey []byte
}

// SecuritySession is the per-connection standard RDP security state.
// It is only populated when EncryptionMethod != ENCRYPTION_METHOD_NONE.
type SecuritySession struct {
	EncryptionMethod uint32
	EncryptionLevel  uint32
	ServerRandom     []byte

	keys       *SessionKeys
	encryptRC4 *rc4.Cipher
	decryptRC4 *rc4.Cipher

	// Originals kept for the periodic key update.
	encryptUpdateKey []byte
	decryptUpdateKey []byte
	encryptCurrent   []byte
	decryptCurrent   []byte
	encryptCount     int
	decryptCount     int
}

// NewSecuritySession generates the 32-byte server random up front so it
// can be announced in the GCC server security data.
func NewSecuritySession(method, level uint32) (*SecuritySession, error) {
	s := &SecuritySession{
		EncryptionMethod: method,
		EncryptionLevel:  level,
	}
	if method != ENCRYPTION_METHOD_NONE {
		s.ServerRandom = make([]byte, 32)
		if _, err := rand.Read(s.ServerRandom); err != nil {
			return nil, fmt.Errorf("generate server random: %w", err)
		}
	}
	return s, nil
}

// Active reports whether payloads are RC4-wrapped on this connection.
func (s *SecuritySession) Active() bool {
	return s != nil && s.EncryptionMethod != ENCRYPTION_METHOD_NONE && s.keys != nil
}

// Establish derives the session keys from both randoms and arms the
// RC4 states. Called once, after the security exchange PDU.
func (s *SecuritySession) Establish(clientRandom []byte) error {
	if len(clientRandom) != 32 {
		return fmt.Errorf("client random %d bytes, want 32: %w", len(clientRandom), ErrSecurityViolation)
	}

	keys, err := deriveSessionKeys(clientRandom, s.ServerRandom, s.EncryptionMethod)
	if err != nil {
		return err
	}
	s.keys = keys

	s.encryptUpdateKey = append([]byte(nil), keys.EncryptKey...)
	s.decryptUpdateKey = append([]byte(nil), keys.DecryptKey...)
	s.encryptCurrent = append([]byte(nil), keys.EncryptKey...)
	s.decryptCurrent = append([]byte(nil), keys.DecryptKey...)

	if s.encryptRC4, err = rc4.NewCipher(s.encryptCurrent); err != nil {
		return err
	}
	if s.decryptRC4, err = rc4.NewCipher(s.decryptCurrent); err != nil {
		return err
	}
	return nil
}

// Encrypt computes the MAC over the plaintext and RC4-encrypts it in
// place, returning the 8-byte signature for the security header.
func (s *SecuritySession) Encrypt(data []byte) ([]byte, error) {
	if !s.Active() {
		return nil, fmt.Errorf("encrypt on inactive security session: %w", ErrSecurityViolation)
	}
	if s.encryptCount >= keyUpdateInterval {
		if err := s.updateEncryptKey(); err != nil {
			return nil, err
		}
	}
	mac := macSignature(s.keys.SignKey, data)
	s.encryptRC4.XORKeyStream(data, data)
	s.encryptCount++
	return mac, nil
}

// Decrypt RC4-decrypts data in place and verifies the MAC from the
// security header against the recovered plaintext.
func (s *SecuritySession) Decrypt(data, mac []byte) error {
	if !s.Active() {
		return fmt.Errorf("decrypt on inactive security session: %w", ErrSecurityViolation)
	}
	if s.decryptCount >= keyUpdateInterval {
		if err := s.updateDecryptKey(); err != nil {
			return err
		}
	}
	s.decryptRC4.XORKeyStream(data, data)
	s.decryptCount++

	expected := macSignature(s.keys.SignKey, data)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return fmt.Errorf("payload MAC mismatch: %w", ErrSecurityViolation)
	}
	return nil
}

func (s *SecuritySession) updateEncryptKey() error {
	s.encryptCurrent = updateSessionKey(s.encryptCurrent, s.encryptUpdateKey)
	c, err := rc4.NewCipher(s.encryptCurrent)
	if err != nil {
		return err
	}
	s.encryptRC4 = c
	s.encryptCount = 0
	return nil
}

func (s *SecuritySession) updateDecryptKey() error {
	s.decryptCurrent = updateSessionKey(s.decryptCurrent, s.decryptUpdateKey)
	c, err := rc4.NewCipher(s.decryptCurrent)
	if err != nil {
		return err
	}
	s.decryptRC4 = c
	s.decryptCount = 0
	return nil
}

// ParseSecurityExchangePDU extracts the RSA-encrypted client random
// from a TS_SECURITY_PACKET (MS-RDPBCGR 2.2.1.10.1). The caller has
// already consumed the security header carrying SEC_EXCHANGE_PKT.
func ParseSecurityExchangePDU(s *Stream) ([]byte, error) {
	length, err := s.ReadUint32LE("security exchange length")
	if err != nil {
		return nil, err
	}
	if int(length) > s.Len() {
		return nil, fmt.Errorf("security exchange declares %d bytes, %d remain: %w",
			length, s.Len(), ErrTruncatedPDU)
	}
	return s.ReadBytes(int(length), "encrypted client random")
}

// DecryptClientRandom reverses the client's little-endian RSA
// encryption of its 32-byte random (MS-RDPBCGR 5.3.4.1). The trailing
// 8 bytes of the field are zero padding.
func DecryptClientRandom(priv *rsa.PrivateKey, encrypted []byte) ([]byte, error) {
	if len(encrypted) < 8 {
		return nil, fmt.Errorf("encrypted client random %d bytes: %w", len(encrypted), ErrSecurityViolation)
	}
	plain := rsaRawLE(encrypted[:len(encrypted)-8], priv.D, priv.N)
	if len(plain) < 32 {
		return nil, fmt.Errorf("decrypted client random %d bytes, want 32: %w", len(plain), ErrSecurityViolation)
	}
	return plain[:32], nil
}

// rsaRawLE performs a textbook RSA operation on a little-endian buffer,
// returning a little-endian result of the input length.
func rsaRawLE(in []byte, exp, mod *big.Int) []byte {
	be := make([]byte, len(in))
	for i, b := range in {
		be[len(in)-1-i] = b
	}
	out := new(big.Int).Exp(new(big.Int).SetBytes(be), exp, mod).Bytes()

	le := make([]byte, len(in))
	for i := 0; i < len(out); i++ {
		le[i] = out[len(out)-1-i]
	}
	return le
}

// deriveSessionKeys implements the standard RDP key derivation
// (MS-RDPBCGR 5.3.5.1), server role: the encrypt key comes from the
// second 16 bytes of the session key blob, the decrypt key from the
// third.
func deriveSessionKeys(clientRandom, serverRandom []byte, encryptionMethod uint32) (*SessionKeys, error) {
	preMaster := make([]byte, 0, 48)
	preMaster = append(preMaster, clientRandom[:24]...)
	preMaster = append(preMaster, serverRandom[:24]...)

	master := saltedHash(preMaster, []byte("A"), clientRandom, serverRandom)
	master = append(master, saltedHash(preMaster, []byte("BB"), clientRandom, serverRandom)...)
	master = append(master, saltedHash(preMaster, []byte("CCC"), clientRandom, serverRandom)...)

	blob := saltedHash(master, []byte("X"), clientRandom, serverRandom)
	blob = append(blob, saltedHash(master, []byte("YY"), clientRandom, serverRandom)...)
	blob = append(blob, saltedHash(master, []byte("ZZZ"), clientRandom, serverRandom)...)

	keys := &SessionKeys{
		SignKey:    append([]byte(nil), blob[:16]...),
		EncryptKey: finalHash(blob[16:32], clientRandom, serverRandom),
		DecryptKey: finalHash(blob[32:48], clientRandom, serverRandom),
	}

	switch encryptionMethod {
	case ENCRYPTION_METHOD_40BIT:
		keys.SignKey = reduceKey(keys.SignKey, 0xD1, 0x26, 0x9E)
		keys.EncryptKey = reduceKey(keys.EncryptKey, 0xD1, 0x26, 0x9E)
		keys.DecryptKey = reduceKey(keys.DecryptKey, 0xD1, 0x26, 0x9E)
	case ENCRYPTION_METHOD_56BIT:
		keys.SignKey = reduceKey(keys.SignKey, 0xD1)
		keys.EncryptKey = reduceKey(keys.EncryptKey, 0xD1)
		keys.DecryptKey = reduceKey(keys.DecryptKey, 0xD1)
	case ENCRYPTION_METHOD_128BIT:
		// 16-byte keys used as derived.
	default:
		return nil, fmt.Errorf("unsupported encryption method 0x%08X: %w", encryptionMethod, ErrSecurityViolation)
	}

	return keys, nil
}

// saltedHash is SaltedHash from MS-RDPBCGR 5.3.5.1:
// MD5(S + SHA1(I + S + ClientRandom + ServerRandom))
func saltedHash(secret, input, clientRandom, serverRandom []byte) []byte {
	inner := sha1.New()
	inner.Write(input)
	inner.Write(secret)
	inner.Write(clientRandom)
	inner.Write(serverRandom)

	outer := md5.New()
	outer.Write(secret)
	outer.Write(inner.Sum(nil))
	return outer.Sum(nil)
}

// finalHash is FinalHash: MD5(K + ClientRandom + ServerRandom)
func finalHash(k, clientRandom, serverRandom []byte) []byte {
	h := md5.New()
	h.Write(k)
	h.Write(clientRandom)
	h.Write(serverRandom)
	return h.Sum(nil)
}

// reduceKey truncates a 128-bit key to 64 bits and overwrites its first
// bytes with the fixed salt (MS-RDPBCGR 5.3.5.1 40/56-bit reduction).
func reduceKey(key []byte, salt ...byte) []byte {
	out := make([]byte, 8)
	copy(out, key[:8])
	copy(out, salt)
	return out
}

// macSignature computes the 8-byte payload signature
// (MS-RDPBCGR 5.3.6.1).
func macSignature(signKey, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))

	inner := sha1.New()
	inner.Write(signKey)
	inner.Write(pad1[:40-len(signKey)])
	inner.Write(lenBuf)
	inner.Write(data)

	outer := md5.New()
	outer.Write(signKey)
	outer.Write(pad2[:48-len(signKey)])
	outer.Write(inner.Sum(nil))
	return outer.Sum(nil)[:8]
}

// updateSessionKey rolls a session key forward (MS-RDPBCGR 5.3.7.1).
func updateSessionKey(currentKey, updateKey []byte) []byte {
	inner := sha1.New()
	inner.Write(updateKey)
	inner.Write(pad1[:40-len(updateKey)])
	inner.Write(currentKey)

	outer := md5.New()
	outer.Write(updateKey)
	outer.Write(pad2[:48-len(updateKey)])
	outer.Write(inner.Sum(nil))
	newKey := outer.Sum(nil)[:len(currentKey)]

	c, _ := rc4.NewCipher(newKey)
	out := make([]byte, len(newKey))
	c.XORKeyStream(out, newKey)

	// 40/56-bit reductions persist across updates.
	if len(currentKey) == 8 {
		copy(out, currentKey[:3])
	}
	return out
}

// Padding constants for MAC and key update hashes (MS-RDPBCGR 5.3.6.1)
var (
	pad1 = bytes.Repeat([]byte{0x36}, 40)
	pad2 = bytes.Repeat([]byte{0x5C}, 48)
)

// Well-known Terminal Services signing key (MS-RDPBCGR 5.3.3.1.1),
// used to sign the proprietary server certificate. Little-endian.
var (
	tsskModulus = []byte{
		0x3d, 0x3a, 0x5e, 0xbd, 0x72, 0x43, 0x3e, 0xc9,
		0x4d, 0xbb, 0xc1, 0x1e, 0x4a, 0xba, 0x5f, 0xcb,
		0x3e, 0x88, 0x20, 0x87, 0xef, 0xf5, 0xc1, 0xe2,
		0xd7, 0xb7, 0x6b, 0x9a, 0xf2, 0x52, 0x45, 0x95,
		0xce, 0x63, 0x65, 0x6b, 0x58, 0x3a, 0xfe, 0xef,
		0x7c, 0xe7, 0xbf, 0xfe, 0x3d, 0xf6, 0x5c, 0x7d,
		0x6c, 0x5e, 0x06, 0x09, 0x1a, 0xf5, 0x61, 0xbb,
		0x20, 0x93, 0x09, 0x5f, 0x05, 0x6d, 0xea, 0x87,
	}
	tsskPrivateExponent = []byte{
		0x87, 0xa7, 0x19, 0x32, 0xda, 0x11, 0x87, 0x55,
		0x58, 0x00, 0x16, 0x16, 0x25, 0x65, 0x68, 0xf8,
		0x24, 0x3e, 0xe6, 0xfa, 0xe9, 0x67, 0x49, 0x94,
		0xcf, 0x92, 0xcc, 0x33, 0x99, 0xe8, 0x08, 0x60,
		0x17, 0x9a, 0x12, 0x9f, 0x24, 0xdd, 0xb1, 0x24,
		0x99, 0xc7, 0x3a, 0xb8, 0x0a, 0x7b, 0x0d, 0xdd,
		0x35, 0x07, 0x79, 0x17, 0x0b, 0x51, 0x9b, 0xb3,
		0xc7, 0x10, 0x01, 0x13, 0xe7, 0x3f, 0xf3, 0x5f,
	}
)

func leToBig(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// BuildProprietaryCertificate builds a CERT_CHAIN_VERSION_1 proprietary
// server certificate (MS-RDPBCGR 2.2.1.4.3.1.1) for the given RSA key,
// signed with the well-known Terminal Services key.
func BuildProprietaryCertificate(pub *rsa.PublicKey) []byte {
	modulus := pub.N.Bytes()
	// Little-endian modulus with 8 bytes zero padding, per the blob format.
	modLE := make([]byte, len(modulus)+8)
	for i, b := range modulus {
		modLE[len(modulus)-1-i] = b
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // CERT_CHAIN_VERSION_1
	binary.Write(buf, binary.LittleEndian, uint32(1)) // SIGNATURE_ALG_RSA
	binary.Write(buf, binary.LittleEndian, uint32(1)) // KEY_EXCHANGE_ALG_RSA

	binary.Write(buf, binary.LittleEndian, uint16(6)) // BB_RSA_KEY_BLOB
	binary.Write(buf, binary.LittleEndian, uint16(20+len(modLE)))
	binary.Write(buf, binary.LittleEndian, uint32(0x31415352)) // "RSA1"
	binary.Write(buf, binary.LittleEndian, uint32(len(modLE)))
	binary.Write(buf, binary.LittleEndian, uint32(len(modulus)*8))
	binary.Write(buf, binary.LittleEndian, uint32(len(modulus)-1))
	binary.Write(buf, binary.LittleEndian, uint32(pub.E))
	buf.Write(modLE)

	// Signature: MD5 of everything above, padded per 5.3.3.1.2 and run
	// through the TS signing key.
	digest := md5.Sum(buf.Bytes())
	sigInput := make([]byte, 64)
	copy(sigInput, digest[:])
	sigInput[16] = 0x00
	for i := 17; i < 62; i++ {
		sigInput[i] = 0xFF
	}
	sigInput[62] = 0x01
	signature := rsaRawLE(sigInput, leToBig(tsskPrivateExponent), leToBig(tsskModulus))

	binary.Write(buf, binary.LittleEndian, uint16(8)) // BB_RSA_SIGNATURE_BLOB
	binary.Write(buf, binary.LittleEndian, uint16(len(signature)+8))
	buf.Write(signature)
	buf.Write(make([]byte, 8))

	return buf.Bytes()
}
