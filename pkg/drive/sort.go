package drive

import (
	"sort"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortByPath orders drives by path using numeric-aware collation so that
// disk9 sorts before disk10.
func SortByPath(drives []Drive) {
	c := collate.New(language.Und, collate.Numeric)
	sort.SliceStable(drives, func(i, j int) bool {
		return c.CompareString(drives[i].Path, drives[j].Path) < 0
	})
}

// Find returns the drive whose path is ident. A bare name such as "sdb" or
// "disk4" matches the corresponding /dev node.
func Find(drives []Drive, ident string) (Drive, bool) {
	want := ident
	if !strings.HasPrefix(want, "/") {
		want = "/dev/" + want
	}
	return lo.Find(drives, func(d Drive) bool { return d.Path == want })
}
