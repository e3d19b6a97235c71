package match

import "mathduel/internal/puzzle"

// DifficultySequence partitions a match's rounds into ~45% easy, 40%
// medium and 15% hard, with at least one of each tier once the match
// has three or more rounds. The sequence is block-ordered easy, medium,
// hard and is never reshuffled; ramping instead of interleaving is the
// intended behavior.
func DifficultySequence(totalRounds int) []int {
	n := clampRounds(totalRounds)

	easy := int(float64(n)*0.45 + 0.5)
	medium := int(float64(n)*0.40 + 0.5)
	hard := n - easy - medium

	if hard < 0 {
		hard = 0
		if over := easy + medium - n; over > 0 {
			if easy >= medium {
				easy -= over
			} else {
				medium -= over
			}
		}
	}

	if n >= 3 {
		if easy == 0 {
			easy = 1
		}
		if medium == 0 {
			medium = 1
		}
		if hard == 0 {
			hard = 1
		}
		for easy+medium+hard > n {
			switch {
			case easy >= medium && easy >= hard && easy > 1:
				easy--
			case medium >= hard && medium > 1:
				medium--
			case hard > 1:
				hard--
			default:
				easy--
			}
		}
		for easy+medium+hard < n {
			medium++
		}
	} else {
		for easy+medium+hard > n {
			switch {
			case easy > 0:
				easy--
			case medium > 0:
				medium--
			default:
				hard--
			}
		}
		for easy+medium+hard < n {
			medium++
		}
	}

	seq := make([]int, 0, n)
	for i := 0; i < easy; i++ {
		seq = append(seq, puzzle.Easy)
	}
	for i := 0; i < medium; i++ {
		seq = append(seq, puzzle.Medium)
	}
	for i := 0; i < hard; i++ {
		seq = append(seq, puzzle.Hard)
	}
	return seq
}

func clampRounds(n int) int {
	if n < 1 {
		return 1
	}
	if n > 20 {
		return 20
	}
	return n
}
