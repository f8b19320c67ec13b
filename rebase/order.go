package rebase

import (
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/graph"
)

// mergeMembership applies 3-way set rules to one edge kind's targets: an
// edge survives when both sides kept it or either side added it. A removal
// by one side wins over the other side leaving the edge untouched.
func mergeMembership(base, ours, theirs []graph.NodeID) map[graph.NodeID]bool {
	inBase := toSet(base)
	inOurs := toSet(ours)
	inTheirs := toSet(theirs)

	member := make(map[graph.NodeID]bool)
	for id := range inOurs {
		if inTheirs[id] || !inBase[id] {
			member[id] = true
		}
	}
	for id := range inTheirs {
		if !inBase[id] {
			member[id] = true
		}
	}
	return member
}

// mergeOrdered merges one ordered edge kind changed on both sides. The
// surviving edges keep theirs' relative order; edges only ours added are
// placed by replaying the change set's add/remove history, so the anchors
// the user edited against decide the final positions. When exactly one
// side reordered the surviving common edges, that side's order wins; when
// both reordered and disagree, the second return is true.
func mergeOrdered(base, ours, theirs []graph.NodeID, history []*changeset.EditEntry) ([]graph.NodeID, bool) {
	member := mergeMembership(base, ours, theirs)

	// Project each side onto the edges all three versions share. Order
	// disagreements only matter on those.
	common := make(map[graph.NodeID]bool)
	inOurs := toSet(ours)
	inTheirs := toSet(theirs)
	for _, id := range base {
		if inOurs[id] && inTheirs[id] && member[id] {
			common[id] = true
		}
	}
	baseCommon := filterTo(base, common)
	oursCommon := filterTo(ours, common)
	theirsCommon := filterTo(theirs, common)

	oursMoved := !equalSeq(oursCommon, baseCommon)
	theirsMoved := !equalSeq(theirsCommon, baseCommon)
	if oursMoved && theirsMoved && !equalSeq(oursCommon, theirsCommon) {
		return nil, true
	}

	if oursMoved && !theirsMoved {
		// Ours reordered, theirs did not: ours' layout is the backbone
		// and it already places ours' additions. Theirs' additions slot
		// in after their nearest surviving predecessor.
		seq := filterTo(ours, member)
		return insertByPredecessor(seq, theirs, member), false
	}

	// Theirs' layout is the backbone; replay ours' history on top.
	seq := filterTo(theirs, member)
	placed := toSet(seq)
	oursOnly := make(map[graph.NodeID]bool)
	for id := range member {
		if !placed[id] {
			oursOnly[id] = true
		}
	}
	seq = replayAdds(seq, history, oursOnly)

	// Surviving edges the history never placed (the log can be empty when
	// roles are swapped for apply) keep ours' relative order at the end.
	for _, id := range ours {
		if oursOnly[id] && indexOf(seq, id) < 0 {
			seq = append(seq, id)
		}
	}
	return seq, false
}

// replayAdds inserts the targets only ours holds by walking the change
// set's edge edits in original sequence. A later add of the same target
// supersedes an earlier position; an anchor the merge dropped falls back
// to the end.
func replayAdds(seq []graph.NodeID, history []*changeset.EditEntry, oursOnly map[graph.NodeID]bool) []graph.NodeID {
	for _, entry := range history {
		if !oursOnly[entry.Target] {
			continue
		}
		switch entry.Op {
		case changeset.OpAddEdge:
			if i := indexOf(seq, entry.Target); i >= 0 {
				seq = removeAt(seq, i)
			}
			at := 0
			if entry.Anchor != "" {
				if i := indexOf(seq, entry.Anchor); i >= 0 {
					at = i + 1
				} else {
					at = len(seq)
				}
			}
			seq = insertAt(seq, at, entry.Target)
		case changeset.OpRemoveEdge:
			if i := indexOf(seq, entry.Target); i >= 0 {
				seq = removeAt(seq, i)
			}
		}
	}
	return seq
}

// insertByPredecessor places the members of order missing from seq after
// the nearest preceding element of order already present in seq, keeping
// their relative order. Members with no surviving predecessor go first.
func insertByPredecessor(seq, order []graph.NodeID, member map[graph.NodeID]bool) []graph.NodeID {
	for i, id := range order {
		if !member[id] || indexOf(seq, id) >= 0 {
			continue
		}
		at := 0
		for j := i - 1; j >= 0; j-- {
			if p := indexOf(seq, order[j]); p >= 0 {
				at = p + 1
				break
			}
		}
		seq = insertAt(seq, at, id)
	}
	return seq
}

func toSet(ids []graph.NodeID) map[graph.NodeID]bool {
	set := make(map[graph.NodeID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func filterTo(ids []graph.NodeID, keep map[graph.NodeID]bool) []graph.NodeID {
	out := make([]graph.NodeID, 0, len(ids))
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}

func equalSeq(a, b []graph.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(ids []graph.NodeID, id graph.NodeID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func insertAt(ids []graph.NodeID, at int, id graph.NodeID) []graph.NodeID {
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}

func removeAt(ids []graph.NodeID, at int) []graph.NodeID {
	return append(ids[:at:at], ids[at+1:]...)
}
