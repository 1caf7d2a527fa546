package challenge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGridAnswerMatchesSpecExample reproduces the literal grid example: a
// 3x3 board of fruit emoji with a single target emoji must answer with the
// 0-indexed positions of every matching cell.
func TestGridAnswerMatchesSpecExample(t *testing.T) {
	grid := []string{"🍎", "🍊", "🍎", "🍌", "🍎", "🍇", "🍋", "🍎", "🍊"}
	targets := []string{"🍎"}

	answer := gridAnswer(grid, targets)

	require.Equal(t, []int{0, 2, 4, 7}, answer)
}

func TestGridAnswerMatchesMultipleTargetEmojis(t *testing.T) {
	grid := []string{"🍎", "🍊", "🍌", "🍇", "🍎", "🍊"}
	targets := []string{"🍎", "🍊"}

	answer := gridAnswer(grid, targets)

	require.Equal(t, []int{0, 1, 4, 5}, answer)
}

func TestSameIndexSetIgnoresOrderAndSpacing(t *testing.T) {
	require.True(t, sameIndexSet("4, 2,0 ,7", "0,2,4,7"))
	require.False(t, sameIndexSet("0,2,4", "0,2,4,7"))
	require.False(t, sameIndexSet("not-a-number", "0,2,4,7"))
	require.False(t, sameIndexSet("0,2,4,7", ""))
}
