package locator

import "github.com/bryanchriswhite/appdriver/internal/a11y"

// TransientFilter reports whether a fault raised while walking the tree may
// be ignored. Only a non-fatal communication failure qualifies; every other
// fault, fatal or not, aborts the search.
func TransientFilter(f *a11y.Fault) bool {
	return f != nil && !f.Fatal && f.Description == a11y.CommFailure
}
