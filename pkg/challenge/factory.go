package challenge

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/pow"
	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
)

// Factory builds Challenges for a sitekey's enabled puzzle types,
// generating fresh variant content and a signed proof-of-work on every
// call. One Factory is shared across all sitekeys; selection state
// (sequential round-robin) is scoped by sitekey internally.
type Factory struct {
	Mode       SelectionMode
	PowKey     []byte
	PowValidity time.Duration

	seq atomic.Uint64
}

func New(mode SelectionMode, powKey []byte, powValidity time.Duration) *Factory {
	return &Factory{Mode: mode, PowKey: powKey, PowValidity: powValidity}
}

// SelectVariant picks one of a sitekey's enabled puzzle types. requested, if
// non-empty, is honored as long as it is enabled; otherwise the factory's
// configured selection mode decides.
func (f *Factory) SelectVariant(enabled []sitekey.PuzzleType, requested sitekey.PuzzleType, band risk.Band) (sitekey.PuzzleType, error) {
	if len(enabled) == 0 {
		return "", ErrNoEnabledTypes
	}

	if requested != "" {
		for _, t := range enabled {
			if t == requested {
				return requested, nil
			}
		}
		return "", ErrUnsupportedVariant
	}

	switch f.Mode {
	case SelectSequential:
		idx := f.seq.Add(1) - 1
		return enabled[idx%uint64(len(enabled))], nil
	case SelectRiskBased:
		// Higher-risk requests get the harder interactive variants (jigsaw,
		// gesture) instead of the single-click grid, raising the bar for
		// automated solvers without penalizing low-risk visitors.
		if band == risk.BandHigh || band == risk.BandCritical {
			for _, t := range enabled {
				if t == sitekey.PuzzleJigsaw || t == sitekey.PuzzleGesture {
					return t, nil
				}
			}
		}
		return enabled[0], nil
	default: // SelectRandom
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(enabled))))
		if err != nil {
			return enabled[0], nil
		}
		return enabled[n.Int64()], nil
	}
}

// Make builds a complete Challenge for sk: it selects a variant, generates
// its content and expected answer, and attaches a signed proof-of-work
// scaled to policy.PowDifficulty.
func (f *Factory) Make(sk string, requested sitekey.PuzzleType, p sitekey.Policy, band risk.Band) (*Challenge, error) {
	variant, err := f.SelectVariant(p.EnabledTypes, requested, band)
	if err != nil {
		return nil, err
	}

	id, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiration := now.Add(f.PowValidity)

	c := &Challenge{
		ID:         id,
		Sitekey:    sk,
		Variant:    variant,
		IssuedAt:   now,
		Expiration: expiration,
	}

	if err := populate(c); err != nil {
		return nil, err
	}

	powChallenge, err := pow.NewChallenge(p.PowDifficulty, f.PowValidity)
	if err != nil {
		return nil, err
	}

	tag, err := pow.Sign(f.PowKey, powChallenge)
	if err != nil {
		return nil, err
	}

	c.PoW = powChallenge
	c.PoWTag = tag

	return c, nil
}

// Fixed board/scene sizes every generated challenge of each variant uses.
const (
	gridCells           = 9
	gridTargetEmojis    = 1
	upsideDownSprites   = 6
	upsideDownCanvasW   = 320
	upsideDownCanvasH   = 200
	audioSceneSize      = 6
	audioSpokenAnimals  = 1
	gestureCanvasW      = 300
	gestureCanvasH      = 180
	gestureMinTolerance = 8
	gestureMaxTolerance = 20
)

func populate(c *Challenge) error {
	switch c.Variant {
	case sitekey.PuzzleGrid:
		grid, targets, err := randomGrid(gridCells, gridTargetEmojis)
		if err != nil {
			return err
		}
		c.Grid = &GridPayload{Rows: 3, Cols: 3, GridEmojis: grid, TargetEmojis: targets}
		c.answer = intsKey(gridAnswer(grid, targets))

	case sitekey.PuzzleJigsaw:
		display, perm, err := randomJigsaw()
		if err != nil {
			return err
		}
		c.Jigsaw = &JigsawPayload{Colors: display}
		c.answer = jigsawPermKey(perm)

	case sitekey.PuzzleGesture:
		x, y, err := randomPoint(gestureCanvasW, gestureCanvasH)
		if err != nil {
			return err
		}
		tolerance, err := randomIntRange(gestureMinTolerance, gestureMaxTolerance)
		if err != nil {
			return err
		}
		imageID, err := randomHex(8)
		if err != nil {
			return err
		}
		c.Gesture = &GesturePayload{
			ImageID:   imageID,
			Width:     gestureCanvasW,
			Height:    gestureCanvasH,
			Tolerance: tolerance,
			TargetX:   x,
			TargetY:   y,
		}
		// answer is unused for gesture; Check reads the hidden target off
		// c.Gesture directly since it's a point, not an index set.

	case sitekey.PuzzleUpsideDown:
		sprites := make([]UpsideDownSprite, upsideDownSprites)
		var rotated []int
		for i := range sprites {
			x, y, err := randomPoint(upsideDownCanvasW, upsideDownCanvasH)
			if err != nil {
				return err
			}
			rotation, err := randomIndex(2)
			if err != nil {
				return err
			}
			degrees := rotation * 180
			if degrees != 0 {
				rotated = append(rotated, i)
			}
			sprites[i] = UpsideDownSprite{ID: i, X: x, Y: y, Rotation: degrees}
		}
		if len(rotated) == 0 {
			sprites[0].Rotation = 180
			rotated = []int{0}
		}
		c.UpsideDown = &UpsideDownPayload{Sprites: sprites, Tolerance: 20}
		c.answer = intsKey(rotated)

	case sitekey.PuzzleAudio:
		spoken, err := pickAnimals(audioSpokenAnimals)
		if err != nil {
			return err
		}
		scene, matches, err := randomAudioScene(audioSceneSize, spoken)
		if err != nil {
			return err
		}
		c.Audio = &AudioPayload{ClipIDs: clipIDsOf(spoken), Scene: scene}
		c.answer = intsKey(matches)

	default:
		return ErrUnsupportedVariant
	}

	return nil
}

// Check reports whether answer matches the challenge's expected solution.
// Grid, upside_down, and audio answers are unordered index sets; jigsaw is
// an exact permutation; gesture is a point within the payload's pixel
// tolerance of its hidden target. Check does not verify the proof-of-work;
// callers must do that separately via pow.VerifySolution.
func (c *Challenge) Check(answer string) bool {
	switch c.Variant {
	case sitekey.PuzzleGrid, sitekey.PuzzleUpsideDown, sitekey.PuzzleAudio:
		return sameIndexSet(answer, c.answer)
	case sitekey.PuzzleJigsaw:
		return c.answer != "" && answer == c.answer
	case sitekey.PuzzleGesture:
		return checkGesture(answer, c.Gesture)
	default:
		return false
	}
}

// checkGesture reports whether the submitted "x,y" answer falls within
// g.Tolerance pixels of the hidden target, inclusive: a click exactly
// Tolerance pixels away passes, one pixel further does not.
func checkGesture(answer string, g *GesturePayload) bool {
	if g == nil {
		return false
	}
	x, y, ok := parseCoord(answer)
	if !ok {
		return false
	}
	dx := x - g.TargetX
	dy := y - g.TargetY
	distSq := dx*dx + dy*dy
	tol := g.Tolerance
	return distSq <= tol*tol
}
