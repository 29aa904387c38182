package domain

// ExtractedKey is a key scraped from one order. Two records are the same key
// when Key matches; OrderID and Date do not take part in deduplication.
type ExtractedKey struct {
	Key     string `json:"key"`
	OrderID string `json:"orderId"`
	Date    string `json:"date"`
}

type Stats struct {
	Total      int `json:"total"`
	Unique     int `json:"unique"`
	Duplicates int `json:"duplicates"`
}

func ComputeStats(keys []ExtractedKey) Stats {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k.Key] = struct{}{}
	}
	return Stats{
		Total:      len(keys),
		Unique:     len(seen),
		Duplicates: len(keys) - len(seen),
	}
}

// AllKeys returns every key value in accumulation order, repeats included.
func AllKeys(keys []ExtractedKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Key)
	}
	return out
}

// UniqueKeys returns distinct key values in first-seen order.
func UniqueKeys(keys []ExtractedKey) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.Key]; ok {
			continue
		}
		seen[k.Key] = struct{}{}
		out = append(out, k.Key)
	}
	return out
}

// DuplicateKeys returns each value that occurs more than once, listed once,
// ordered by where it first repeats.
func DuplicateKeys(keys []ExtractedKey) []string {
	seen := make(map[string]struct{}, len(keys))
	listed := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		if _, ok := seen[k.Key]; !ok {
			seen[k.Key] = struct{}{}
			continue
		}
		if _, ok := listed[k.Key]; ok {
			continue
		}
		listed[k.Key] = struct{}{}
		out = append(out, k.Key)
	}
	return out
}
