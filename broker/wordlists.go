package broker

// Fixed word lists for the "adjective_animal" naming scheme, spec
// §4.C. Deliberately small and stable: the scheme's determinism
// depends on these never being reordered or resized across an
// installation's lifetime, since doing so would change every existing
// pseudonym's inverse under the same seed.
var adjectives = []string{
	"amber", "brave", "calm", "dusty", "eager", "fuzzy", "gentle", "hollow",
	"ivory", "jagged", "keen", "lively", "mellow", "nimble", "olive", "plain",
	"quiet", "rapid", "silent", "tidy", "umber", "vivid", "wary", "young",
	"zesty", "azure", "bold", "cryptic", "dapper", "earnest", "faint", "grand",
}

var animals = []string{
	"badger", "camel", "dingo", "egret", "ferret", "gopher", "heron", "ibis",
	"jackal", "koala", "lemur", "marten", "newt", "otter", "puffin", "quail",
	"raven", "stoat", "tapir", "urchin", "vole", "weasel", "yak", "zebra",
	"bison", "civet", "drake", "eland", "finch", "gecko", "hare", "impala",
}
