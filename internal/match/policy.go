package match

import "github.com/veilchat/veil/internal/protocol"

// RequiresEntitlement is the single policy gate for gender-filtered matching.
// Users with no filter ("both", or an absent preference) use only the plain
// interest queues and never require premium; any concrete target gender is a
// premium feature. Every call site — the plain and gendered matching paths
// alike — goes through this function rather than re-deriving the rule.
func RequiresEntitlement(lookingFor string) bool {
	return lookingFor != "" && lookingFor != protocol.GenderBoth
}

// ValidFilterGender reports whether g names a concrete gender partition.
// Filtered requests must carry one on both sides: an empty or unknown value
// would collapse into the plain partition key or search a partition no one
// can ever populate, so such requests are rejected up front.
func ValidFilterGender(g string) bool {
	return g == protocol.GenderMale || g == protocol.GenderFemale
}
