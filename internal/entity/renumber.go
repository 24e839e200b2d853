package entity

// Mapper looks up the current id for an id of the given kind
type Mapper interface {
	Lookup(kind Kind, id int64) (int64, bool)
}

// Renumber rewrites the references of rec through m.
// Way node refs are looked up in the node partition, relation members in the partition
// of their declared type, so equal raw ids of different kinds never collide.
// The input record is not modified; changed reports whether any reference was rewritten.
func Renumber(rec Record, m Mapper) (out Record, changed bool) {
	out = rec.Clone()

	for i, ref := range out.Nds {
		if id, ok := m.Lookup(KindNode, ref); ok && id != ref {
			out.Nds[i] = id
			changed = true
		}
	}

	for i, member := range out.Members {
		kind, err := member.Kind()
		if err != nil {
			// unknown member types are left alone
			continue
		}
		if id, ok := m.Lookup(kind, member.Ref); ok && id != member.Ref {
			out.Members[i].Ref = id
			changed = true
		}
	}

	return out, changed
}

// UnmappedLocalRef returns the first reference of rec to a local (negative) id
// that m does not map. Such a reference cannot be submitted: the remote store
// does not know the id and no placeholder stands in for it.
func UnmappedLocalRef(rec Record, m Mapper) (Kind, int64, bool) {
	for _, ref := range rec.Nds {
		if _, ok := m.Lookup(KindNode, ref); ref < 0 && !ok {
			return KindNode, ref, true
		}
	}
	for _, member := range rec.Members {
		kind, err := member.Kind()
		if err != nil || member.Ref >= 0 {
			continue
		}
		if _, ok := m.Lookup(kind, member.Ref); !ok {
			return kind, member.Ref, true
		}
	}
	return "", 0, false
}
