package workspace_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/graph"
	"github.com/MegaWatt01/si/rebase"
	"github.com/MegaWatt01/si/snapshot"
	"github.com/MegaWatt01/si/store"
	"github.com/MegaWatt01/si/workspace"
)

func newManager(t *testing.T) (*workspace.Manager, *store.Mem, *events.Bus) {
	t.Helper()
	st := store.NewMem()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := workspace.NewManager(st, bus)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, st, bus
}

func mustMutate(t *testing.T, m *workspace.Manager, csID string, op workspace.Op) (cas.Hash, *changeset.EditEntry) {
	t.Helper()
	root, entry, err := m.Mutate(csID, op)
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	return root, entry
}

func createNode(t *testing.T, m *workspace.Manager, csID string, kind graph.NodeKind, payload interface{}) graph.NodeID {
	t.Helper()
	var id graph.NodeID
	mustMutate(t, m, csID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		nid, entry, err := mut.CreateNode(kind, payload)
		id = nid
		return entry, err
	})
	return id
}

func updateNode(t *testing.T, m *workspace.Manager, csID string, id graph.NodeID, payload interface{}) {
	t.Helper()
	mustMutate(t, m, csID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		return mut.UpdateNode(id, payload)
	})
}

func deleteNode(t *testing.T, m *workspace.Manager, csID string, id graph.NodeID) {
	t.Helper()
	mustMutate(t, m, csID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		return mut.DeleteNode(id)
	})
}

func addEdge(t *testing.T, m *workspace.Manager, csID string, parent graph.NodeID, kind graph.EdgeKind, target, anchor graph.NodeID) {
	t.Helper()
	mustMutate(t, m, csID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		return mut.AddEdge(parent, kind, target, anchor)
	})
}

// advanceBaseline moves the head ref by hand, standing in for an apply.
func advanceBaseline(t *testing.T, st store.Store, old, new cas.Hash) {
	t.Helper()
	if err := st.SetRefCAS(workspace.BaselineRef, old, new, "test advance"); err != nil {
		t.Fatalf("SetRefCAS: %v", err)
	}
}

func recv(t *testing.T, sub *events.Subscription) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event within 2s")
	}
	return nil
}

func TestInit_Idempotent(t *testing.T) {
	m, st, _ := newManager(t)

	root, err := m.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if root.IsZero() {
		t.Fatalf("baseline root is zero")
	}
	snap, err := snapshot.Load(st, root)
	if err != nil {
		t.Fatalf("Load baseline: %v", err)
	}
	if n, err := snap.Count(); err != nil || n != 0 {
		t.Fatalf("Count = %d, %v, want 0 live nodes", n, err)
	}

	if err := m.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	again, err := m.Baseline()
	if err != nil {
		t.Fatalf("Baseline after re-init: %v", err)
	}
	if again != root {
		t.Fatalf("re-init moved baseline: %s -> %s", root, again)
	}
}

func TestCreateChangeSet_BranchesFromBaseline(t *testing.T) {
	m, _, bus := newManager(t)
	sub := bus.Subscribe("changeset.**", 8)
	defer sub.Close()

	baseline, _ := m.Baseline()
	cs, err := m.CreateChangeSet("add-vpc")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	if cs.ID == "" || cs.Name != "add-vpc" {
		t.Fatalf("bad change set identity: %+v", cs)
	}
	if cs.Base != baseline || cs.Current != baseline {
		t.Fatalf("change set did not branch from baseline")
	}
	if cs.Status != changeset.StatusOpen {
		t.Fatalf("Status = %s, want open", cs.Status)
	}

	row, err := m.Get(cs.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.ID != cs.ID || row.Base != cs.Base {
		t.Fatalf("stored row differs: %+v", row)
	}

	ev := recv(t, sub)
	if ev.Kind != events.KindChangeSetCreated || ev.ChangeSetID != cs.ID {
		t.Fatalf("event = %s/%s, want created for %s", ev.Kind, ev.ChangeSetID, cs.ID)
	}
	if want := "changeset." + cs.ID + ".created"; ev.Topic != want {
		t.Fatalf("Topic = %s, want %s", ev.Topic, want)
	}
	if ev.GlobalSeq == 0 {
		t.Fatalf("published event has no global sequence")
	}
}

func TestMutate_CommitsRowEditAndEvent(t *testing.T) {
	m, st, bus := newManager(t)
	cs, err := m.CreateChangeSet("edits")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	sub := bus.Subscribe("changeset."+cs.ID+".node.created", 4)
	defer sub.Close()

	id := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "vpc"})

	row, err := m.Get(cs.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Current == row.Base {
		t.Fatalf("Current did not move off Base")
	}

	edits, err := st.ListEdits(cs.ID, 0, 10)
	if err != nil {
		t.Fatalf("ListEdits: %v", err)
	}
	if len(edits) != 1 || edits[0].Op != changeset.OpCreateNode || edits[0].NodeID != id {
		t.Fatalf("edit log = %+v, want one create_node for %s", edits, id)
	}
	if edits[0].Seq != 1 {
		t.Fatalf("Seq = %d, want 1", edits[0].Seq)
	}

	ev := recv(t, sub)
	if ev.Kind != events.KindNodeCreated || ev.NodeID != id || ev.Seq != 1 {
		t.Fatalf("event = %+v, want node.created seq 1 for %s", ev, id)
	}
	if ev.GlobalSeq == 0 {
		t.Fatalf("published event has no global sequence")
	}
}

func TestMutate_EventKindsFollowOps(t *testing.T) {
	m, _, bus := newManager(t)
	sub := bus.Subscribe("changeset.**", 16)
	defer sub.Close()

	cs, err := m.CreateChangeSet("kinds")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	recv(t, sub) // created

	a := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "a"})
	b := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "b"})
	c := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "c"})
	addEdge(t, m, cs.ID, a, graph.EdgeContain, b, "")
	addEdge(t, m, cs.ID, a, graph.EdgeContain, c, b)
	mustMutate(t, m, cs.ID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		return mut.ReorderEdges(a, graph.EdgeContain, []graph.NodeID{c, b})
	})
	mustMutate(t, m, cs.ID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		return mut.RemoveEdge(a, graph.EdgeContain, c)
	})
	updateNode(t, m, cs.ID, b, map[string]interface{}{"name": "b2"})
	deleteNode(t, m, cs.ID, c)

	want := []string{
		events.KindNodeCreated,
		events.KindNodeCreated,
		events.KindNodeCreated,
		events.KindEdgeAdded,
		events.KindEdgeAdded,
		events.KindEdgesReordered,
		events.KindEdgeRemoved,
		events.KindNodeUpdated,
		events.KindNodeDeleted,
	}
	for i, kind := range want {
		ev := recv(t, sub)
		if ev.Kind != kind {
			t.Fatalf("event %d: Kind = %s, want %s", i, ev.Kind, kind)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d: Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestMutate_ClosedChangeSetRejected(t *testing.T) {
	m, _, _ := newManager(t)
	cs, err := m.CreateChangeSet("short-lived")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	if err := m.Abandon(cs.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	_, _, err = m.Mutate(cs.ID, func(mut *changeset.Mutator) (*changeset.EditEntry, error) {
		_, entry, err := mut.CreateNode(graph.KindResource, nil)
		return entry, err
	})
	if !errors.Is(err, workspace.ErrChangeSetClosed) {
		t.Fatalf("Mutate on abandoned = %v, want ErrChangeSetClosed", err)
	}
	if err := m.Abandon(cs.ID); !errors.Is(err, workspace.ErrChangeSetClosed) {
		t.Fatalf("second Abandon = %v, want ErrChangeSetClosed", err)
	}
}

func TestAbandon_ClosesAndPublishes(t *testing.T) {
	m, _, bus := newManager(t)
	cs, err := m.CreateChangeSet("doomed")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	sub := bus.Subscribe("changeset."+cs.ID+".abandoned", 4)
	defer sub.Close()

	if err := m.Abandon(cs.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	row, err := m.Get(cs.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != changeset.StatusAbandoned {
		t.Fatalf("Status = %s, want abandoned", row.Status)
	}
	if ev := recv(t, sub); ev.Kind != events.KindChangeSetAbandoned {
		t.Fatalf("Kind = %s, want abandoned", ev.Kind)
	}
}

func TestGetNode_ChangeSetAndBaselineViews(t *testing.T) {
	m, _, _ := newManager(t)
	cs, err := m.CreateChangeSet("views")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	id := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "vpc"})

	node, err := m.GetNode(cs.ID, id)
	if err != nil {
		t.Fatalf("GetNode in change set: %v", err)
	}
	if node.ID != id || node.Kind != graph.KindResource {
		t.Fatalf("node = %+v", node)
	}

	// Not applied, so the baseline view cannot see it.
	if _, err := m.GetNode("", id); !errors.Is(err, changeset.ErrNodeNotFound) {
		t.Fatalf("baseline GetNode = %v, want ErrNodeNotFound", err)
	}

	deleteNode(t, m, cs.ID, id)
	if _, err := m.GetNode(cs.ID, id); !errors.Is(err, changeset.ErrNodeNotFound) {
		t.Fatalf("GetNode after delete = %v, want ErrNodeNotFound", err)
	}

	if _, err := m.GetNode("no-such-change-set", id); !errors.Is(err, store.ErrChangeSetNotFound) {
		t.Fatalf("GetNode with unknown change set = %v, want ErrChangeSetNotFound", err)
	}
}

func TestDiffBase_ListsTouchedNodes(t *testing.T) {
	m, _, _ := newManager(t)
	cs, err := m.CreateChangeSet("diff")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}

	a := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "a"})
	b := createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "b"})
	deleteNode(t, m, cs.ID, b)

	ids, err := m.DiffBase(cs.ID)
	if err != nil {
		t.Fatalf("DiffBase: %v", err)
	}
	want := []graph.NodeID{a, b}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("DiffBase = %v, want %v", ids, want)
	}
}

func TestRebase_NoBaselineMovementIsNoOp(t *testing.T) {
	m, _, bus := newManager(t)
	cs, err := m.CreateChangeSet("idle")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "a"})
	row, _ := m.Get(cs.ID)

	sub := bus.Subscribe("changeset."+cs.ID+".rebased", 4)
	defer sub.Close()

	res, err := m.Rebase(cs.ID)
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if !res.Success || res.NewRoot != row.Current {
		t.Fatalf("Rebase = %+v, want no-op success at %s", res, row.Current)
	}
	after, _ := m.Get(cs.ID)
	if after.Base != row.Base || after.Current != row.Current {
		t.Fatalf("no-op rebase moved the change set")
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %s", ev.Topic)
	default:
	}
}

func TestRebase_ReplaysOntoAdvancedBaseline(t *testing.T) {
	m, st, bus := newManager(t)
	base0, _ := m.Baseline()

	cs1, err := m.CreateChangeSet("left")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	a := createNode(t, m, cs1.ID, graph.KindResource, map[string]interface{}{"name": "left"})

	cs2, err := m.CreateChangeSet("right")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	b := createNode(t, m, cs2.ID, graph.KindResource, map[string]interface{}{"name": "right"})

	cs1row, _ := m.Get(cs1.ID)
	advanceBaseline(t, st, base0, cs1row.Current)

	sub := bus.Subscribe("changeset."+cs2.ID+".rebased", 4)
	defer sub.Close()

	res, err := m.Rebase(cs2.ID)
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if !res.Success {
		t.Fatalf("Rebase failed: %+v", res.Conflicts)
	}
	if res.Stats.OnlyOurs != 1 || res.Stats.OnlyTheirs != 1 {
		t.Fatalf("Stats = %+v, want one node from each side", res.Stats)
	}

	row, _ := m.Get(cs2.ID)
	if row.Base != cs1row.Current {
		t.Fatalf("Base = %s, want advanced baseline %s", row.Base, cs1row.Current)
	}
	if row.Current != res.NewRoot {
		t.Fatalf("Current = %s, want merged root %s", row.Current, res.NewRoot)
	}

	// Merged view holds both sides; the baseline still only has cs1's node.
	if _, err := m.GetNode(cs2.ID, a); err != nil {
		t.Fatalf("merged view lost baseline node: %v", err)
	}
	if _, err := m.GetNode(cs2.ID, b); err != nil {
		t.Fatalf("merged view lost own node: %v", err)
	}
	if _, err := m.GetNode("", b); !errors.Is(err, changeset.ErrNodeNotFound) {
		t.Fatalf("baseline GetNode = %v, want ErrNodeNotFound", err)
	}

	if ev := recv(t, sub); ev.Kind != events.KindChangeSetRebased {
		t.Fatalf("Kind = %s, want rebased", ev.Kind)
	}
	if pins := st.PinnedRoots(); len(pins) != 0 {
		t.Fatalf("pins leaked after rebase: %v", pins)
	}
}

func TestRebase_RecordsConflictsAndClearsOnSuccess(t *testing.T) {
	m, st, _ := newManager(t)
	base0, _ := m.Baseline()

	// Seed the baseline with one node.
	seed, err := m.CreateChangeSet("seed")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	x := createNode(t, m, seed.ID, graph.KindResource, map[string]interface{}{"v": 1})
	seedRow, _ := m.Get(seed.ID)
	advanceBaseline(t, st, base0, seedRow.Current)
	base1 := seedRow.Current

	cs, err := m.CreateChangeSet("mine")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	updateNode(t, m, cs.ID, x, map[string]interface{}{"v": 2})
	before, _ := m.Get(cs.ID)

	// Someone else lands a different update to the same node.
	mut := changeset.NewMutator(st, base1, 1)
	if _, err := mut.UpdateNode(x, map[string]interface{}{"v": 3}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	base2 := mut.Root()
	advanceBaseline(t, st, base1, base2)

	res, err := m.Rebase(cs.ID)
	if err != nil {
		t.Fatalf("Rebase: %v", err)
	}
	if res.Success {
		t.Fatalf("Rebase succeeded over a concurrent update")
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Kind != rebase.ConflictConcurrentUpdate || res.Conflicts[0].NodeID != x {
		t.Fatalf("Conflicts = %+v, want one CONCURRENT_UPDATE on %s", res.Conflicts, x)
	}
	if got := m.ListConflicts(cs.ID); len(got) != 1 {
		t.Fatalf("ListConflicts = %+v, want the recorded conflict", got)
	}
	after, _ := m.Get(cs.ID)
	if after.Base != before.Base || after.Current != before.Current {
		t.Fatalf("failed rebase moved the change set")
	}

	// Correct our side to match theirs and retry.
	updateNode(t, m, cs.ID, x, map[string]interface{}{"v": 3})
	res, err = m.Rebase(cs.ID)
	if err != nil {
		t.Fatalf("retry Rebase: %v", err)
	}
	if !res.Success {
		t.Fatalf("retry failed: %+v", res.Conflicts)
	}
	if got := m.ListConflicts(cs.ID); len(got) != 0 {
		t.Fatalf("conflicts survive a successful rebase: %+v", got)
	}
	row, _ := m.Get(cs.ID)
	if row.Base != base2 {
		t.Fatalf("Base = %s, want %s", row.Base, base2)
	}
	if pins := st.PinnedRoots(); len(pins) != 0 {
		t.Fatalf("pins leaked: %v", pins)
	}
}

func TestRoots_TracksBaselineAndOpenChangeSets(t *testing.T) {
	m, st, _ := newManager(t)
	base0, _ := m.Baseline()

	roots, err := m.Roots()
	if err != nil {
		t.Fatalf("Roots: %v", err)
	}
	if len(roots) != 1 || roots[0] != base0 {
		t.Fatalf("Roots = %v, want just the baseline", roots)
	}

	cs, err := m.CreateChangeSet("work")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	createNode(t, m, cs.ID, graph.KindResource, map[string]interface{}{"name": "a"})
	row, _ := m.Get(cs.ID)

	roots, err = m.Roots()
	if err != nil {
		t.Fatalf("Roots: %v", err)
	}
	if len(roots) != 3 || roots[0] != base0 || roots[1] != row.Base || roots[2] != row.Current {
		t.Fatalf("Roots = %v, want baseline plus open base/current", roots)
	}

	// Applied and abandoned change sets drop out of the root set.
	applied, err := m.CreateChangeSet("landed")
	if err != nil {
		t.Fatalf("CreateChangeSet: %v", err)
	}
	appliedRow, _ := m.Get(applied.ID)
	appliedRow.Status = changeset.StatusApplied
	if err := st.PutChangeSet(appliedRow); err != nil {
		t.Fatalf("PutChangeSet: %v", err)
	}
	if err := m.Abandon(cs.ID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	roots, err = m.Roots()
	if err != nil {
		t.Fatalf("Roots: %v", err)
	}
	if len(roots) != 1 || roots[0] != base0 {
		t.Fatalf("Roots = %v, want just the baseline again", roots)
	}
}
