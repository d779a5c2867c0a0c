package sigma

import (
	"github.com/hearthlink/matter/pkg/crypto"
	"github.com/hearthlink/matter/pkg/fabric"
)

// The handshake key schedule (Spec Section 4.14.2.6). Every key is an
// HKDF-SHA256 of the ECDH shared secret; the salts bind the running
// transcript and the fabric's identity protection key.

// deriveS2K derives the key sealing TBEData2.
// Salt = IPK || ResponderRandom || ResponderEphPubKey || SHA256(Sigma1).
func deriveS2K(sharedSecret []byte, ipk [fabric.IPKSize]byte,
	responderRandom [RandomSize]byte, responderEphPub []byte,
	msg1 []byte) ([SessionKeySize]byte, error) {

	h := crypto.SHA256(msg1)
	salt := make([]byte, 0, fabric.IPKSize+RandomSize+len(responderEphPub)+crypto.HashSize)
	salt = append(salt, ipk[:]...)
	salt = append(salt, responderRandom[:]...)
	salt = append(salt, responderEphPub...)
	salt = append(salt, h[:]...)
	return deriveKey(sharedSecret, salt, infoS2K)
}

// deriveS3K derives the key sealing TBEData3.
// Salt = IPK || SHA256(Sigma1 || Sigma2).
func deriveS3K(sharedSecret []byte, ipk [fabric.IPKSize]byte, msg1, msg2 []byte) ([SessionKeySize]byte, error) {
	h := crypto.SHA256(concat(msg1, msg2))
	salt := make([]byte, 0, fabric.IPKSize+crypto.HashSize)
	salt = append(salt, ipk[:]...)
	salt = append(salt, h[:]...)
	return deriveKey(sharedSecret, salt, infoS3K)
}

// deriveS1RK derives the key authenticating a Sigma1 resumption
// attempt. The input secret and resumption ID come from the previous
// session. Salt = InitiatorRandom || ResumptionID.
func deriveS1RK(prevSecret []byte, initiatorRandom [RandomSize]byte,
	resumptionID [ResumptionIDSize]byte) ([SessionKeySize]byte, error) {

	salt := make([]byte, 0, RandomSize+ResumptionIDSize)
	salt = append(salt, initiatorRandom[:]...)
	salt = append(salt, resumptionID[:]...)
	return deriveKey(prevSecret, salt, infoS1RK)
}

// deriveS2RK derives the key authenticating the Sigma2Resume answer,
// bound to the freshly allocated resumption ID.
func deriveS2RK(prevSecret []byte, initiatorRandom [RandomSize]byte,
	newResumptionID [ResumptionIDSize]byte) ([SessionKeySize]byte, error) {

	salt := make([]byte, 0, RandomSize+ResumptionIDSize)
	salt = append(salt, initiatorRandom[:]...)
	salt = append(salt, newResumptionID[:]...)
	return deriveKey(prevSecret, salt, infoS2RK)
}

// deriveSessionKeys produces the final directional keys over the full
// transcript. Salt = IPK || SHA256(Sigma1 || Sigma2 || Sigma3).
func deriveSessionKeys(sharedSecret []byte, ipk [fabric.IPKSize]byte,
	msg1, msg2, msg3 []byte) (*SessionKeys, error) {

	h := crypto.SHA256(concat(msg1, msg2, msg3))
	return expandSessionKeys(sharedSecret, ipk, h[:])
}

// deriveResumptionSessionKeys produces the directional keys of a
// resumed session from the previous secret and the two-message
// transcript. Salt = IPK || SHA256(Sigma1 || Sigma2Resume).
func deriveResumptionSessionKeys(prevSecret []byte, ipk [fabric.IPKSize]byte,
	msg1, sigma2Resume []byte) (*SessionKeys, error) {

	h := crypto.SHA256(concat(msg1, sigma2Resume))
	return expandSessionKeys(prevSecret, ipk, h[:])
}

func expandSessionKeys(secret []byte, ipk [fabric.IPKSize]byte, transcriptHash []byte) (*SessionKeys, error) {
	salt := make([]byte, 0, fabric.IPKSize+crypto.HashSize)
	salt = append(salt, ipk[:]...)
	salt = append(salt, transcriptHash...)

	okm, err := crypto.HKDFSHA256(secret, salt, infoSessionKeys,
		2*SessionKeySize+AttestationChallengeSize)
	if err != nil {
		return nil, err
	}
	keys := &SessionKeys{}
	copy(keys.I2RKey[:], okm[:SessionKeySize])
	copy(keys.R2IKey[:], okm[SessionKeySize:2*SessionKeySize])
	copy(keys.AttestationChallenge[:], okm[2*SessionKeySize:])
	return keys, nil
}

func deriveKey(secret, salt, info []byte) ([SessionKeySize]byte, error) {
	var key [SessionKeySize]byte
	okm, err := crypto.HKDFSHA256(secret, salt, info, SessionKeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], okm)
	return key, nil
}

// sealTBE encrypts a to-be-encrypted payload with AES-CCM and no AAD.
func sealTBE(key [SessionKeySize]byte, nonce, plaintext []byte) ([]byte, error) {
	return crypto.AEADSeal(key[:], nonce, plaintext, nil)
}

// openTBE decrypts a to-be-encrypted payload; failure means the peer
// does not hold the shared secret or the transcript diverged.
func openTBE(key [SessionKeySize]byte, nonce, ciphertext []byte) ([]byte, error) {
	pt, err := crypto.AEADOpen(key[:], nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// computeResumeMIC produces the 16-byte tag proving possession of a
// resumption key: AES-CCM over an empty plaintext.
func computeResumeMIC(key [SessionKeySize]byte, nonce []byte) ([MICSize]byte, error) {
	var mic [MICSize]byte
	ct, err := crypto.AEADSeal(key[:], nonce, nil, nil)
	if err != nil {
		return mic, err
	}
	copy(mic[:], ct)
	return mic, nil
}

// verifyResumeMIC checks a resumption tag.
func verifyResumeMIC(key [SessionKeySize]byte, nonce []byte, mic [MICSize]byte) bool {
	expected, err := computeResumeMIC(key, nonce)
	if err != nil {
		return false
	}
	return expected == mic
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
