package entity

// levenshtein returns the edit distance between a and b, or limit+1 as
// soon as it is known to exceed limit.
func levenshtein(a, b string, limit int) int {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > limit || -d > limit {
		return limit + 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, cur[j])
		}
		if rowMin > limit {
			return limit + 1
		}
		prev, cur = cur, prev
	}
	return min(prev[len(rb)], limit+1)
}

// deletions returns s and every string obtained by deleting up to n runes
// from it. Two strings within edit distance n always share an element of
// their deletion sets.
func deletions(s string, n int) []string {
	seen := map[string]bool{s: true}
	frontier := []string{s}
	for step := 0; step < n; step++ {
		var next []string
		for _, f := range frontier {
			rs := []rune(f)
			for i := range rs {
				v := string(rs[:i]) + string(rs[i+1:])
				if !seen[v] {
					seen[v] = true
					next = append(next, v)
				}
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out
}
