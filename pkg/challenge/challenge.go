// Package challenge implements the C4 challenge factory: it picks a puzzle
// variant for a sitekey, generates its variant-specific content plus a C2
// proof-of-work, and produces the tagged-sum Challenge a widget renders.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/pow"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
)

var (
	ErrNoEnabledTypes     = errors.New("challenge: sitekey has no enabled puzzle types")
	ErrUnsupportedVariant = errors.New("challenge: requested variant is not enabled for this sitekey")
)

// GridPayload asks the user to click every cell whose emoji is one of
// TargetEmojis. The answer (which indices qualify) is never shipped on the
// wire; a legitimate widget recomputes it from GridEmojis/TargetEmojis the
// same way the server does.
type GridPayload struct {
	Rows         int      `json:"rows"`
	Cols         int      `json:"cols"`
	GridEmojis   []string `json:"grid_emojis"`
	TargetEmojis []string `json:"target_emojis"`
}

// JigsawPayload shows four colored pieces in a shuffled display order; the
// user must report, for each displayed piece, which of the four canonical
// slots (jigsawColors order) it belongs in. The correct permutation is
// server-only.
type JigsawPayload struct {
	Colors []string `json:"colors"`
}

// GesturePayload asks the user to click a hidden target point rendered
// somewhere on ImageID's canvas, within Tolerance pixels. The target
// coordinates themselves are never serialized.
type GesturePayload struct {
	ImageID   string `json:"image_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Tolerance int    `json:"tolerance_px"`
	TargetX   int    `json:"-"`
	TargetY   int    `json:"-"`
}

// UpsideDownSprite is one clickable image in an UpsideDownPayload scene.
// Rotation is visible (a human has to look at it to tell it's upside
// down); which sprites count as correct is not.
type UpsideDownSprite struct {
	ID       int `json:"id"`
	X        int `json:"x"`
	Y        int `json:"y"`
	Rotation int `json:"rotation_degrees"`
}

// UpsideDownPayload asks the user to click every sprite rendered rotated
// 180 degrees, within Tolerance pixels of its center.
type UpsideDownPayload struct {
	Sprites   []UpsideDownSprite `json:"sprites"`
	Tolerance int                `json:"tolerance_px"`
}

// AudioScene is one clickable image in an AudioPayload scene. ImageID is an
// opaque asset reference; the animal it depicts is server-only.
type AudioScene struct {
	ID      int    `json:"id"`
	ImageID string `json:"image_id"`
}

// AudioPayload asks the user to listen to the clips referenced by ClipIDs
// (each names an animal) and click every Scene image depicting one of the
// spoken animals. Which scene indices match is never serialized.
type AudioPayload struct {
	ClipIDs []string     `json:"clip_ids"`
	Scene   []AudioScene `json:"scene"`
}

// Challenge is the tagged-sum puzzle handed to a widget. Exactly one
// variant-specific payload field is populated, matching Variant.
type Challenge struct {
	ID         string
	Sitekey    string
	Variant    sitekey.PuzzleType
	IssuedAt   time.Time
	Expiration time.Time

	Grid       *GridPayload
	Jigsaw     *JigsawPayload
	Gesture    *GesturePayload
	UpsideDown *UpsideDownPayload
	Audio      *AudioPayload

	PoW    *pow.Challenge
	PoWTag []byte

	// answer is the server-only expected solution for the variant payload,
	// never serialized to the client.
	answer string
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SelectionMode controls how Factory picks a variant among a sitekey's
// enabled types when the caller doesn't request a specific one.
type SelectionMode string

const (
	SelectRandom     SelectionMode = "random"
	SelectSequential SelectionMode = "sequential"
	SelectRiskBased  SelectionMode = "risk_based"
)
