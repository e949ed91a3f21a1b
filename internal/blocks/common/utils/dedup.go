package utils

// DedupCapped returns the distinct non-empty values of in, keeping first-seen
// order, and stops after limit values. truncated reports whether any distinct
// value was dropped. limit <= 0 means no cap.
func DedupCapped(in []string, limit int) (out []string, truncated bool) {
	seen := make(map[string]struct{}, len(in))
	out = make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, truncated
}
