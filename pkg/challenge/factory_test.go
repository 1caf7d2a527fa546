package challenge_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/pow"
	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/stretchr/testify/require"
)

func TestMakeProducesRequestedVariant(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid, sitekey.PuzzleGesture}

	c, err := f.Make("sk1", sitekey.PuzzleGesture, p, risk.BandLow)
	require.NoError(t, err)
	require.Equal(t, sitekey.PuzzleGesture, c.Variant)
	require.NotNil(t, c.Gesture)
	require.Nil(t, c.Grid)
}

func TestMakeRejectsDisabledVariant(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid}

	_, err := f.Make("sk1", sitekey.PuzzleAudio, p, risk.BandLow)
	require.ErrorIs(t, err, challenge.ErrUnsupportedVariant)
}

func TestMakeRejectsEmptyEnabledTypes(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = nil

	_, err := f.Make("sk1", "", p, risk.BandLow)
	require.ErrorIs(t, err, challenge.ErrNoEnabledTypes)
}

func TestSequentialSelectionRoundRobins(t *testing.T) {
	f := challenge.New(challenge.SelectSequential, []byte("pow-key"), time.Minute)
	enabled := []sitekey.PuzzleType{sitekey.PuzzleGrid, sitekey.PuzzleGesture, sitekey.PuzzleAudio}

	var seen []sitekey.PuzzleType
	for i := 0; i < 3; i++ {
		variant, err := f.SelectVariant(enabled, "", risk.BandLow)
		require.NoError(t, err)
		seen = append(seen, variant)
	}

	require.Equal(t, enabled, seen)
}

func TestRiskBasedSelectionPrefersHarderVariantsUnderHighRisk(t *testing.T) {
	f := challenge.New(challenge.SelectRiskBased, []byte("pow-key"), time.Minute)
	enabled := []sitekey.PuzzleType{sitekey.PuzzleGrid, sitekey.PuzzleJigsaw}

	variant, err := f.SelectVariant(enabled, "", risk.BandCritical)
	require.NoError(t, err)
	require.Equal(t, sitekey.PuzzleJigsaw, variant)
}

func TestChallengeCheckValidatesUpsideDownAnswer(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleUpsideDown}

	c, err := f.Make("sk1", sitekey.PuzzleUpsideDown, p, risk.BandLow)
	require.NoError(t, err)
	require.NotNil(t, c.UpsideDown)

	var rotated []string
	for _, s := range c.UpsideDown.Sprites {
		if s.Rotation != 0 {
			rotated = append(rotated, fmt.Sprintf("%d", s.ID))
		}
	}
	require.NotEmpty(t, rotated, "generated upside_down challenge should have at least one rotated sprite")

	require.True(t, c.Check(strings.Join(rotated, ",")))
	require.False(t, c.Check("does-not-parse"))
}

func TestChallengeCheckValidatesGridAnswerIgnoringOrder(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid}

	c, err := f.Make("sk1", sitekey.PuzzleGrid, p, risk.BandLow)
	require.NoError(t, err)
	require.NotNil(t, c.Grid)

	targets := make(map[string]struct{}, len(c.Grid.TargetEmojis))
	for _, e := range c.Grid.TargetEmojis {
		targets[e] = struct{}{}
	}

	var indices []string
	for i, e := range c.Grid.GridEmojis {
		if _, ok := targets[e]; ok {
			indices = append(indices, fmt.Sprintf("%d", i))
		}
	}
	require.NotEmpty(t, indices)

	require.True(t, c.Check(strings.Join(indices, ",")))
	// Reversed order still matches: the answer is a set, not a sequence.
	reversed := make([]string, len(indices))
	for i, v := range indices {
		reversed[len(indices)-1-i] = v
	}
	require.True(t, c.Check(strings.Join(reversed, ",")))
	require.False(t, c.Check(""))
}

func TestChallengeCheckValidatesJigsawPermutation(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleJigsaw}

	c, err := f.Make("sk1", sitekey.PuzzleJigsaw, p, risk.BandLow)
	require.NoError(t, err)
	require.NotNil(t, c.Jigsaw)
	require.Len(t, c.Jigsaw.Colors, 4)

	canonical := []string{"red", "green", "blue", "yellow"}
	slotOf := make(map[string]int, 4)
	for i, color := range canonical {
		slotOf[color] = i
	}

	perm := make([]string, len(c.Jigsaw.Colors))
	for i, color := range c.Jigsaw.Colors {
		perm[i] = fmt.Sprintf("%d", slotOf[color])
	}

	require.True(t, c.Check(strings.Join(perm, ",")))
	require.False(t, c.Check("0,1,2,9"))
}

func TestChallengeCheckGestureHonorsInclusiveTolerance(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGesture}

	c, err := f.Make("sk1", sitekey.PuzzleGesture, p, risk.BandLow)
	require.NoError(t, err)
	require.NotNil(t, c.Gesture)
	require.GreaterOrEqual(t, c.Gesture.Tolerance, 8)
	require.LessOrEqual(t, c.Gesture.Tolerance, 20)

	onBoundary := fmt.Sprintf("%d,%d", c.Gesture.TargetX+c.Gesture.Tolerance, c.Gesture.TargetY)
	require.True(t, c.Check(onBoundary), "a click exactly at the tolerance radius must pass")

	pastBoundary := fmt.Sprintf("%d,%d", c.Gesture.TargetX+c.Gesture.Tolerance+1, c.Gesture.TargetY)
	require.False(t, c.Check(pastBoundary), "a click one pixel past the tolerance radius must fail")
}

func TestChallengeCarriesVerifiablePoW(t *testing.T) {
	f := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid}
	p.PowDifficulty = 1

	c, err := f.Make("sk1", sitekey.PuzzleGrid, p, risk.BandLow)
	require.NoError(t, err)

	n, ok := c.PoW.Solve()
	require.True(t, ok)
	require.NoError(t, pow.VerifySolution([]byte("pow-key"), c.PoW, c.PoWTag, n))
}
