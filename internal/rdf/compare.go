package rdf

// SameValue reports whether two terms denote the same value. IRIs compare by
// string; literals compare numerically when both sides are numeric, so that
// "2", "2"^^xsd:integer and "2.0"^^xsd:double all match each other, and by
// lexical form plus datatype otherwise.
func SameValue(a, b Term) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == KindIRI {
		return a.Value == b.Value
	}
	if av, aok := a.Numeric(); aok {
		if bv, bok := b.Numeric(); bok {
			return av == bv
		}
		return false
	}
	if ab, aok := a.Bool(); aok {
		if bb, bok := b.Bool(); bok {
			return ab == bb
		}
		return false
	}
	return a.Value == b.Value && a.Lang == b.Lang &&
		normalizeStringDT(a.Datatype) == normalizeStringDT(b.Datatype)
}

func normalizeStringDT(dt string) string {
	if dt == "" {
		return XSDString
	}
	return dt
}
