package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// KeySize is the required size of the link encryption key.
const KeySize = 32

var (
	// ErrKeySize is returned when encryption key has wrong length.
	ErrKeySize = errors.Errorf("encryption key must be %d bytes", KeySize)

	// ErrNotPadded is returned when packet to encrypt is not aligned to BlockSize.
	ErrNotPadded = errors.New("packet is not padded to block size")
)

var zeroIV = make([]byte, aes.BlockSize)

// Cipher encrypts and decrypts whole padded packet buffers with AES-256 in CBC mode.
// The format has no room for an IV, so IV is fixed to zero.
type Cipher struct {
	block cipher.Block
}

// NewCipher creates cipher from pre-shared key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrKeySize, "got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cipher{block: block}, nil
}

func (c *Cipher) encrypt(b []byte) ([]byte, error) {
	if len(b)%BlockSize != 0 {
		return nil, errors.WithStack(ErrNotPadded)
	}
	out := make([]byte, len(b))
	cipher.NewCBCEncrypter(c.block, zeroIV).CryptBlocks(out, b)
	return out, nil
}

func (c *Cipher) decrypt(b []byte) ([]byte, error) {
	if len(b)%BlockSize != 0 {
		return nil, errors.WithStack(ErrNotPadded)
	}
	out := make([]byte, len(b))
	cipher.NewCBCDecrypter(c.block, zeroIV).CryptBlocks(out, b)
	return out, nil
}

// ToWire hex-encodes the packet, encrypting it first if cipher is not nil.
func ToWire(p *Packet, c *Cipher) (string, error) {
	b := p.Bytes()
	if c != nil {
		var err error
		if b, err = c.encrypt(b); err != nil {
			return "", err
		}
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// FromWire decodes hex string, decrypting it if cipher is not nil.
// Integrity is not checked here, decrypting with the wrong key produces garbage which Verify
// rejects.
func FromWire(s string, c *Cipher) (*Packet, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(b) < HeaderSize {
		return nil, errors.WithStack(ErrTooShort)
	}
	if c != nil {
		if b, err = c.decrypt(b); err != nil {
			return nil, err
		}
	}
	return &Packet{buf: b}, nil
}
