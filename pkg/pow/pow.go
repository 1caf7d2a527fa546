// Package pow implements the ALTCHA-style proof-of-work challenge: the
// service picks a secret counter n in [0, MaxNumber), publishes a salt and
// TargetHash = SHA256(salt || decimal(n)), and the client must brute-force
// any n' with SHA256(salt || decimal(n')) == TargetHash. Difficulty 1..10
// maps monotonically to an expected search space of 10^3..10^6 candidates.
package pow

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/big"
	"strconv"
	"time"
)

const (
	version  = 1
	SaltSize = 16

	MinDifficulty = 1
	MaxDifficulty = 10
)

var (
	ErrInvalidSolution = errors.New("proof of work solution is invalid")
	ErrExpired         = errors.New("challenge expired")
	ErrShortBuffer     = errors.New("buffer too short to decode challenge")
	ErrNumberTooLarge  = errors.New("candidate exceeds challenge max number")
)

// Challenge is the proof-of-work puzzle handed to a client: find a decimal
// number n' such that SHA256(Salt || n') equals TargetHash. n' must also be
// strictly less than MaxNumber, which bounds the brute-force search space
// regardless of how the target hash happens to be structured.
type Challenge struct {
	Version    uint8
	Salt       [SaltSize]byte
	TargetHash [sha256.Size]byte
	MaxNumber  uint64
	Expiration time.Time
}

// difficultyMaxNumber maps a 1..10 difficulty to an expected work factor
// spanning 10^3 (trivial, solvable in milliseconds) to 10^6 (a few seconds
// on typical client hardware), scaling geometrically between the two.
func difficultyMaxNumber(difficulty uint8) uint64 {
	if difficulty < MinDifficulty {
		difficulty = MinDifficulty
	}
	if difficulty > MaxDifficulty {
		difficulty = MaxDifficulty
	}

	const lo, hi = 1000.0, 1_000_000.0
	frac := float64(difficulty-MinDifficulty) / float64(MaxDifficulty-MinDifficulty)
	return uint64(lo * math.Pow(hi/lo, frac))
}

// NewChallenge creates a fresh challenge at the given difficulty (1..10).
func NewChallenge(difficulty uint8, validity time.Duration) (*Challenge, error) {
	c := &Challenge{
		Version:    version,
		MaxNumber:  difficultyMaxNumber(difficulty),
		Expiration: time.Now().UTC().Add(validity),
	}

	if _, err := io.ReadFull(rand.Reader, c.Salt[:]); err != nil {
		return nil, err
	}

	secret, err := rand.Int(rand.Reader, new(big.Int).SetUint64(c.MaxNumber))
	if err != nil {
		return nil, err
	}

	c.TargetHash = digest(c.Salt[:], secret.Uint64())
	return c, nil
}

// Solve brute-forces a solution. It is only ever called from tests and
// debug tooling on the server side; real clients run the equivalent loop in
// the widget's JavaScript.
func (c *Challenge) Solve() (uint64, bool) {
	for n := uint64(0); n < c.MaxNumber; n++ {
		if c.Check(n) {
			return n, true
		}
	}
	return 0, false
}

// Check reports whether n is a valid solution for this challenge: it must
// be within range and hash to exactly TargetHash.
func (c *Challenge) Check(n uint64) bool {
	if n >= c.MaxNumber {
		return false
	}
	got := digest(c.Salt[:], n)
	return subtle.ConstantTimeCompare(got[:], c.TargetHash[:]) == 1
}

func digest(salt []byte, n uint64) [sha256.Size]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(strconv.FormatUint(n, 10)))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (c *Challenge) WriteTo(w io.Writer) (int64, error) {
	var n int64
	if err := binary.Write(w, binary.LittleEndian, c.Version); err != nil {
		return n, err
	}
	n++

	if nn, err := w.Write(c.Salt[:]); err != nil {
		return n + int64(nn), err
	}
	n += int64(len(c.Salt))

	if nn, err := w.Write(c.TargetHash[:]); err != nil {
		return n + int64(nn), err
	}
	n += int64(len(c.TargetHash))

	if err := binary.Write(w, binary.LittleEndian, c.MaxNumber); err != nil {
		return n, err
	}
	n += 8

	var expiration uint32
	if !c.Expiration.IsZero() {
		expiration = uint32(c.Expiration.Unix())
	}
	if err := binary.Write(w, binary.LittleEndian, expiration); err != nil {
		return n, err
	}
	n += 4

	return n, nil
}

func (c *Challenge) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const encodedSize = 1 + SaltSize + sha256.Size + 8 + 4

func (c *Challenge) UnmarshalBinary(data []byte) error {
	if len(data) < encodedSize {
		return ErrShortBuffer
	}

	var offset int
	c.Version = data[0]
	offset++

	copy(c.Salt[:], data[offset:offset+SaltSize])
	offset += SaltSize

	copy(c.TargetHash[:], data[offset:offset+sha256.Size])
	offset += sha256.Size

	c.MaxNumber = binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8

	unixExpiration := int64(binary.LittleEndian.Uint32(data[offset : offset+4]))
	if unixExpiration != 0 {
		c.Expiration = time.Unix(unixExpiration, 0)
	}

	return nil
}

// Sign produces an HMAC-SHA256 tag over the encoded challenge, letting the
// service hand the challenge to the client without storing it server-side
// until redemption -- the session store only needs to remember that a given
// signed challenge was already redeemed.
func Sign(key []byte, c *Challenge) ([]byte, error) {
	encoded, err := c.MarshalBinary()
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(encoded)
	return mac.Sum(nil), nil
}

func Verify(key []byte, c *Challenge, tag []byte) (bool, error) {
	expected, err := Sign(key, c)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, tag) == 1, nil
}

// VerifySolution checks a (challenge, signature, solution) triple end to
// end: the signature must be valid, the challenge must not be expired, and
// the solution must hash to exactly the published target.
func VerifySolution(key []byte, c *Challenge, tag []byte, solution uint64) error {
	ok, err := Verify(key, c, tag)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSolution
	}

	if !c.Expiration.IsZero() && time.Now().UTC().After(c.Expiration) {
		return ErrExpired
	}

	if solution >= c.MaxNumber {
		return ErrNumberTooLarge
	}

	if !c.Check(solution) {
		return ErrInvalidSolution
	}

	return nil
}
