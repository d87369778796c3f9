package eligibility

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"enrollment-pipeline/internal/models"
)

func rules(bounds ...[2]int) []models.EligibilityRule {
	out := make([]models.EligibilityRule, 0, len(bounds))
	for _, b := range bounds {
		out = append(out, models.EligibilityRule{MinAge: b[0], MaxAge: b[1]})
	}
	return out
}

func TestIndexContains(t *testing.T) {
	ix := NewIndex(rules([2]int{18, 30}, [2]int{40, 45}, [2]int{25, 32}, [2]int{33, 35}))

	assert.Equal(t, 2, ix.Len(), "overlapping and adjacent spans merge")
	for _, age := range []int{18, 25, 32, 33, 35, 40, 45} {
		assert.True(t, ix.Contains(age), age)
	}
	for _, age := range []int{-1, 0, 17, 36, 39, 46, 99} {
		assert.False(t, ix.Contains(age), age)
	}
}

func TestIndexEmptyAndInverted(t *testing.T) {
	assert.False(t, NewIndex(nil).Contains(20))
	assert.False(t, NewIndex(rules([2]int{30, 18})).Contains(20))
	assert.True(t, NewIndex(rules([2]int{20, 20})).Contains(20))
}

func TestIndexUnboundedUpperSpan(t *testing.T) {
	ix := NewIndex(rules([2]int{0, math.MaxInt}, [2]int{5, 10}))
	assert.Equal(t, 1, ix.Len())
	for _, age := range []int{0, 7, 20, math.MaxInt} {
		assert.True(t, ix.Contains(age), age)
	}

	ix = NewIndex(rules([2]int{math.MaxInt - 1, math.MaxInt}, [2]int{math.MaxInt, math.MaxInt}, [2]int{3, 4}))
	assert.Equal(t, 2, ix.Len())
	assert.True(t, ix.Contains(math.MaxInt))
	assert.False(t, ix.Contains(5))
}

func TestIndexMatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var rs []models.EligibilityRule
		for i := 0; i < rng.Intn(6); i++ {
			lo := rng.Intn(100)
			rs = append(rs, models.EligibilityRule{MinAge: lo, MaxAge: lo + rng.Intn(15)})
		}
		// Every few rounds one rule reaches the top of the int range.
		if round%5 == 0 {
			rs = append(rs, models.EligibilityRule{MinAge: rng.Intn(120), MaxAge: math.MaxInt})
		}
		ix := NewIndex(rs)
		ages := []int{math.MaxInt - 1, math.MaxInt}
		for age := -2; age < 120; age++ {
			ages = append(ages, age)
		}
		for _, age := range ages {
			want := false
			for _, r := range rs {
				if r.Contains(age) {
					want = true
					break
				}
			}
			if got := ix.Contains(age); got != want {
				t.Fatalf("round %d age %d: index=%v scan=%v rules=%v", round, age, got, want, rs)
			}
		}
	}
}
