package challenge

import (
	"crypto/rand"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// gridEmojiPool is the fixed catalog grid/audio-adjacent variants draw
// from. Unicode glyphs double as the "image asset" here, the same way a
// real deployment would reference a small fixed set of pre-rendered tiles.
var gridEmojiPool = []string{"🍎", "🍊", "🍌", "🍇", "🍋", "🍓", "🍉", "🥝"}

// jigsawColors is the canonical slot order a solved jigsaw restores.
var jigsawColors = []string{"red", "green", "blue", "yellow"}

// audioAnimal pairs a spoken-clip reference with the animal it names, the
// audio-puzzle equivalent of gridEmojiPool.
type audioAnimal struct {
	name   string
	clipID string
}

var audioAnimalCatalog = []audioAnimal{
	{"cat", "clip_cat"},
	{"dog", "clip_dog"},
	{"fox", "clip_fox"},
	{"owl", "clip_owl"},
	{"bear", "clip_bear"},
	{"frog", "clip_frog"},
}

// randomCells picks count distinct integers out of [0,total) uniformly,
// sorted ascending. Used for the grid variant's target-emoji selection and
// the audio variant's index sampling.
func randomCells(count, total int) ([]int, error) {
	if count > total {
		count = total
	}

	chosen := make(map[int]struct{}, count)
	for len(chosen) < count {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(total)))
		if err != nil {
			return nil, err
		}
		chosen[int(n.Int64())] = struct{}{}
	}

	cells := make([]int, 0, count)
	for c := range chosen {
		cells = append(cells, c)
	}
	sort.Ints(cells)
	return cells, nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// randomIntRange returns a uniform integer in [min,max].
func randomIntRange(min, max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, err
	}
	return min + int(n.Int64()), nil
}

// randomPermutation returns a uniformly random permutation of [0,n).
func randomPermutation(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return nil, err
		}
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

// intsKey joins a sorted slice of indices into the comma-separated answer
// string the wire answer is compared against, shared by the grid, jigsaw,
// and audio variants.
func intsKey(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// parseIntsKey parses a comma-separated list of integers, returning nil if
// any element fails to parse (an unparseable answer simply never matches).
func parseIntsKey(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil
		}
		vals = append(vals, n)
	}
	return vals
}

// sameIndexSet reports whether a and b (as comma-joined int keys) contain
// the same indices, irrespective of submission order.
func sameIndexSet(submitted, expected string) bool {
	if expected == "" {
		return false
	}
	a := parseIntsKey(submitted)
	b := parseIntsKey(expected)
	if a == nil || len(a) != len(b) {
		return false
	}
	sort.Ints(a)
	sort.Ints(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// parseCoord parses a "x,y" submitted gesture answer.
func parseCoord(s string) (x, y int, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return x, y, true
}

// gridAnswer returns the sorted indices of grid whose emoji is one of
// targets. It is the pure function populate() uses to derive a grid
// challenge's server-only answer, kept separate so it can be exercised
// directly against the literal spec example.
func gridAnswer(grid []string, targets []string) []int {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	var out []int
	for i, e := range grid {
		if _, ok := set[e]; ok {
			out = append(out, i)
		}
	}
	return out
}

// randomGrid fills cells positions from gridEmojiPool and returns it along
// with targetCount distinct target emojis drawn from the same pool,
// forcing at least one grid cell to hold a target emoji so every generated
// puzzle has a non-empty answer.
func randomGrid(cells, targetCount int) (grid []string, targets []string, err error) {
	targetIdx, err := randomCells(targetCount, len(gridEmojiPool))
	if err != nil {
		return nil, nil, err
	}
	targets = make([]string, len(targetIdx))
	for i, idx := range targetIdx {
		targets[i] = gridEmojiPool[idx]
	}

	targetSet := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		targetSet[t] = struct{}{}
	}

	grid = make([]string, cells)
	hasTarget := false
	for i := range grid {
		idx, err := randomIndex(len(gridEmojiPool))
		if err != nil {
			return nil, nil, err
		}
		grid[i] = gridEmojiPool[idx]
		if _, ok := targetSet[grid[i]]; ok {
			hasTarget = true
		}
	}

	if !hasTarget {
		pos, err := randomIndex(cells)
		if err != nil {
			return nil, nil, err
		}
		grid[pos] = targets[0]
	}

	return grid, targets, nil
}

// randomJigsaw returns a random permutation of jigsawColors as the
// shuffled display order, plus the permutation itself (perm[i] is the
// canonical slot of the piece displayed at position i), which is the
// answer.
func randomJigsaw() (display []string, perm []int, err error) {
	perm, err = randomPermutation(len(jigsawColors))
	if err != nil {
		return nil, nil, err
	}
	display = make([]string, len(perm))
	for i, slot := range perm {
		display[i] = jigsawColors[slot]
	}
	return display, perm, nil
}

// randomAudioScene builds a scene of size elements, each assigned a random
// catalog animal, guaranteeing at least one element matches one of the
// spoken animals. It returns the scene payload and the sorted indices that
// match (the answer).
func randomAudioScene(size int, spoken []audioAnimal) ([]AudioScene, []int, error) {
	spokenSet := make(map[string]struct{}, len(spoken))
	for _, a := range spoken {
		spokenSet[a.name] = struct{}{}
	}

	scene := make([]AudioScene, size)
	names := make([]string, size)
	matched := false
	for i := 0; i < size; i++ {
		idx, err := randomIndex(len(audioAnimalCatalog))
		if err != nil {
			return nil, nil, err
		}
		names[i] = audioAnimalCatalog[idx].name
		imgID, err := randomHex(8)
		if err != nil {
			return nil, nil, err
		}
		scene[i] = AudioScene{ID: i, ImageID: imgID}
		if _, ok := spokenSet[names[i]]; ok {
			matched = true
		}
	}

	if !matched {
		pos, err := randomIndex(size)
		if err != nil {
			return nil, nil, err
		}
		names[pos] = spoken[0].name
	}

	var matches []int
	for i, n := range names {
		if _, ok := spokenSet[n]; ok {
			matches = append(matches, i)
		}
	}

	return scene, matches, nil
}

// pickAnimals samples count distinct animals from audioAnimalCatalog.
func pickAnimals(count int) ([]audioAnimal, error) {
	idx, err := randomCells(count, len(audioAnimalCatalog))
	if err != nil {
		return nil, err
	}
	animals := make([]audioAnimal, len(idx))
	for i, n := range idx {
		animals[i] = audioAnimalCatalog[n]
	}
	return animals, nil
}

func clipIDsOf(animals []audioAnimal) []string {
	ids := make([]string, len(animals))
	for i, a := range animals {
		ids[i] = a.clipID
	}
	return ids
}

// randomPoint returns a uniform (x,y) inside [0,maxX) x [0,maxY).
func randomPoint(maxX, maxY int) (x, y int, err error) {
	x, err = randomIndex(maxX)
	if err != nil {
		return 0, 0, err
	}
	y, err = randomIndex(maxY)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// jigsawPermKey and cellsKey reuse intsKey since a permutation or a cell
// set is just a list of ints; kept as named wrappers so call sites read as
// what they mean rather than a generic index set.
func jigsawPermKey(perm []int) string { return intsKey(perm) }
func cellsKey(cells []int) string     { return intsKey(cells) }
