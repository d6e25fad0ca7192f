// Package selection provides named, composable predicates over ntuple
// records.
//
// A Selection carries a textual predicate such as "1.52 < abs(eta) <= 1.7"
// that is parsed into a small expression tree on first use. Selections
// combine with And; families of selections are built with AddSelections
// and Selector.Times over the standard Catalogue.
package selection
