package resolver

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/IliaW/site-cloner/internal/model"
)

// Dedupe collapses resources to one record per url and renames records that
// would land on the same archive path: the first keeps it, the k-th gets
// " (k)" before its extension. Output is ordered by path and has unique
// paths. The input slice is not modified.
func Dedupe(resources []model.Resource) []model.Resource {
	byURL := make(map[string]int, len(resources))
	unique := make([]model.Resource, 0, len(resources))
	for _, r := range resources {
		i, seen := byURL[r.URL]
		if !seen {
			byURL[r.URL] = len(unique)
			unique = append(unique, r)
			continue
		}
		if !unique[i].HasContent() && r.HasContent() {
			unique[i] = r
		}
	}

	groups := make(map[string][]model.Resource, len(unique))
	for _, r := range unique {
		if r.SavePath == "" || r.SaveName == "" {
			continue
		}
		groups[r.SavePath] = append(groups[r.SavePath], r)
	}

	taken := make(map[string]bool, len(unique))
	for p := range groups {
		taken[p] = true
	}

	result := make([]model.Resource, 0, len(unique))
	for _, key := range slices.Sorted(maps.Keys(groups)) {
		for k, r := range groups[key] {
			if k > 0 {
				n := k
				for taken[withCounter(r.SavePath, n)] {
					n++
				}
				r.SavePath = withCounter(r.SavePath, n)
				r.SaveName = withCounter(r.SaveName, n)
				taken[r.SavePath] = true
			}
			result = append(result, r)
		}
	}
	slices.SortStableFunc(result, func(a, b model.Resource) int {
		return strings.Compare(a.SavePath, b.SavePath)
	})

	return result
}

// withCounter inserts " (n)" before the last extension of the final path segment.
func withCounter(p string, n int) string {
	counter := " (" + strconv.Itoa(n) + ")"
	dot := strings.LastIndex(p, ".")
	if dot == -1 || dot < strings.LastIndex(p, "/") {
		return p + counter
	}
	return p[:dot] + counter + p[dot:]
}
