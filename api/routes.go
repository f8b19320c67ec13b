// Package api provides the HTTP API for the si daemon.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MegaWatt01/si/apply"
	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/config"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/funcexec"
	"github.com/MegaWatt01/si/graph"
	"github.com/MegaWatt01/si/pack"
	"github.com/MegaWatt01/si/proto"
	"github.com/MegaWatt01/si/rebase"
	"github.com/MegaWatt01/si/store"
	"github.com/MegaWatt01/si/workspace"
)

// Handler wraps the engine components for HTTP handlers.
type Handler struct {
	st      store.Store
	ws      *workspace.Manager
	applier *apply.Service
	bus     *events.Bus
	runner  funcexec.Runner
	cfg     *config.Config
}

// NewHandler creates a new API handler. runner may be nil when function
// execution is not configured.
func NewHandler(st store.Store, ws *workspace.Manager, applier *apply.Service, bus *events.Bus, runner funcexec.Runner, cfg *config.Config) *Handler {
	return &Handler{st: st, ws: ws, applier: applier, bus: bus, runner: runner, cfg: cfg}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(st store.Store, ws *workspace.Manager, applier *apply.Service, bus *events.Bus, runner funcexec.Runner, cfg *config.Config) http.Handler {
	h := NewHandler(st, ws, applier, bus, runner, cfg)
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Baseline
	mux.HandleFunc("GET /v1/baseline", h.GetBaseline)
	mux.HandleFunc("GET /v1/baseline/history", h.BaselineHistory)
	mux.HandleFunc("GET /v1/nodes/{id}", h.GetBaselineNode)

	// Objects
	mux.HandleFunc("GET /v1/objects/{digest}", h.GetObject)

	// Change sets
	mux.HandleFunc("POST /v1/changesets", h.CreateChangeSet)
	mux.HandleFunc("GET /v1/changesets", h.ListChangeSets)
	mux.HandleFunc("GET /v1/changesets/{cs}", h.GetChangeSet)
	mux.HandleFunc("DELETE /v1/changesets/{cs}", h.AbandonChangeSet)
	mux.HandleFunc("GET /v1/changesets/{cs}/diff", h.Diff)
	mux.HandleFunc("GET /v1/changesets/{cs}/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /v1/changesets/{cs}/rebase", h.Rebase)
	mux.HandleFunc("POST /v1/changesets/{cs}/apply", h.Apply)
	mux.HandleFunc("POST /v1/changesets/{cs}/execute", h.Execute)

	// Graph edits, all scoped to an open change set
	mux.HandleFunc("POST /v1/changesets/{cs}/nodes", h.CreateNode)
	mux.HandleFunc("GET /v1/changesets/{cs}/nodes/{id}", h.GetNode)
	mux.HandleFunc("PUT /v1/changesets/{cs}/nodes/{id}", h.UpdateNode)
	mux.HandleFunc("DELETE /v1/changesets/{cs}/nodes/{id}", h.DeleteNode)
	mux.HandleFunc("POST /v1/changesets/{cs}/nodes/{id}/edges", h.AddEdge)
	mux.HandleFunc("PUT /v1/changesets/{cs}/nodes/{id}/edges/{kind}", h.ReorderEdges)
	mux.HandleFunc("DELETE /v1/changesets/{cs}/nodes/{id}/edges/{kind}/{target}", h.RemoveEdge)

	// Events
	mux.HandleFunc("GET /v1/events", h.ListEvents)
	mux.HandleFunc("GET /v1/events/stream", h.StreamEvents)

	// Packs
	mux.HandleFunc("GET /v1/export", h.ExportPack)
	mux.HandleFunc("POST /v1/import", h.ImportPack)

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	// Ready once the baseline ref exists, i.e. Init ran against the store.
	if _, err := h.ws.Baseline(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unready", "baseline not initialized", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

// ----- Baseline -----

func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	root, err := h.ws.Baseline()
	if err != nil {
		h.fail(w, "failed to read baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.BaselineResponse{Root: root})
}

func (h *Handler) BaselineHistory(w http.ResponseWriter, r *http.Request) {
	afterSeq := int64(0)
	if after := r.URL.Query().Get("after"); after != "" {
		fmt.Sscanf(after, "%d", &afterSeq)
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}

	entries, err := h.st.RefHistory(workspace.BaselineRef, afterSeq, limit)
	if err != nil {
		h.fail(w, "failed to read baseline history", err)
		return
	}

	out := make([]*proto.BaselineHistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &proto.BaselineHistoryEntry{
			Seq:    e.Seq,
			ID:     e.ID,
			Parent: e.Parent,
			Old:    e.Old,
			New:    e.New,
			Note:   e.Note,
			At:     e.At,
		})
	}
	writeJSON(w, http.StatusOK, proto.BaselineHistoryResponse{Entries: out})
}

func (h *Handler) GetBaselineNode(w http.ResponseWriter, r *http.Request) {
	h.serveNode(w, "", graph.NodeID(r.PathValue("id")))
}

// ----- Objects -----

func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	digestHex := r.PathValue("digest")
	digest, err := cas.ParseHex(digestHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid digest", err)
		return
	}

	content, err := h.st.GetObject(digest)
	if err != nil {
		h.fail(w, "failed to get object", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Si-Digest", digestHex)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// ----- Change sets -----

func (h *Handler) CreateChangeSet(w http.ResponseWriter, r *http.Request) {
	var req proto.ChangeSetCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid", "name required", nil)
		return
	}

	cs, err := h.ws.CreateChangeSet(req.Name)
	if err != nil {
		h.fail(w, "failed to create change set", err)
		return
	}
	writeJSON(w, http.StatusCreated, toChangeSet(cs))
}

func (h *Handler) ListChangeSets(w http.ResponseWriter, r *http.Request) {
	list, err := h.ws.List()
	if err != nil {
		h.fail(w, "failed to list change sets", err)
		return
	}

	out := make([]*proto.ChangeSetEntry, 0, len(list))
	for _, cs := range list {
		out = append(out, toChangeSet(cs))
	}
	writeJSON(w, http.StatusOK, proto.ChangeSetListResponse{ChangeSets: out})
}

func (h *Handler) GetChangeSet(w http.ResponseWriter, r *http.Request) {
	cs, err := h.ws.Get(r.PathValue("cs"))
	if err != nil {
		h.fail(w, "failed to get change set", err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeSet(cs))
}

func (h *Handler) AbandonChangeSet(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Abandon(r.PathValue("cs")); err != nil {
		h.fail(w, "failed to abandon change set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	cs, err := h.ws.Get(csID)
	if err != nil {
		h.fail(w, "failed to get change set", err)
		return
	}
	ids, err := h.ws.DiffBase(csID)
	if err != nil {
		h.fail(w, "failed to diff change set", err)
		return
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	writeJSON(w, http.StatusOK, proto.DiffResponse{
		Base:    cs.Base,
		Current: cs.Current,
		NodeIDs: out,
	})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	if _, err := h.ws.Get(csID); err != nil {
		h.fail(w, "failed to get change set", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ConflictListResponse{
		Conflicts: toConflicts(h.ws.ListConflicts(csID)),
	})
}

func (h *Handler) Rebase(w http.ResponseWriter, r *http.Request) {
	res, err := h.ws.Rebase(r.PathValue("cs"))
	if err != nil {
		h.fail(w, "failed to rebase change set", err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusConflict, proto.RebaseResponse{
			OK:        false,
			Conflicts: toConflicts(res.Conflicts),
		})
		return
	}
	writeJSON(w, http.StatusOK, proto.RebaseResponse{
		OK:    true,
		Root:  res.NewRoot,
		Stats: toStats(res.Stats),
	})
}

func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	res, err := h.applier.Apply(r.Context(), r.PathValue("cs"))
	if err != nil {
		h.fail(w, "failed to apply change set", err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusConflict, proto.ApplyResponse{
			OK:        false,
			Conflicts: toConflicts(res.Conflicts),
		})
		return
	}
	writeJSON(w, http.StatusOK, proto.ApplyResponse{
		OK:       true,
		Baseline: res.NewRoot,
		Stats:    toStats(res.Stats),
	})
}

// ----- Function execution -----

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "function execution not configured", nil)
		return
	}

	csID := r.PathValue("cs")
	var req proto.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}
	if req.NodeID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid", "nodeId and code required", nil)
		return
	}

	output, err := h.runner.Invoke(r.Context(), req.Code, req.Args)
	if err != nil {
		if errors.Is(err, funcexec.ErrExecFailed) {
			writeError(w, http.StatusUnprocessableEntity, "exec_failed", "function failed", err)
			return
		}
		writeError(w, http.StatusBadGateway, "exec_unreachable", "execution service unreachable", err)
		return
	}

	// The output lands as the node's payload through the normal edit path,
	// so it versions, diffs and merges like any hand-made change.
	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.UpdateNode(graph.NodeID(req.NodeID), output)
	})
	if err != nil {
		h.fail(w, "failed to store function output", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ExecuteResponse{
		Output: output,
		Seq:    entry.Seq,
		Root:   root,
	})
}

// ----- Graph edits -----

func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	var req proto.NodeCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}
	kind := graph.NodeKind(req.Kind)
	if !graph.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, "invalid", "unknown node kind", nil)
		return
	}

	var created graph.NodeID
	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		id, e, err := m.CreateNode(kind, req.Payload)
		created = id
		return e, err
	})
	if err != nil {
		h.fail(w, "failed to create node", err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.MutationResponse{
		NodeID: string(created),
		Seq:    entry.Seq,
		Root:   root,
	})
}

func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	h.serveNode(w, r.PathValue("cs"), graph.NodeID(r.PathValue("id")))
}

func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	id := graph.NodeID(r.PathValue("id"))
	var req proto.NodeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}

	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.UpdateNode(id, req.Payload)
	})
	if err != nil {
		h.fail(w, "failed to update node", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MutationResponse{
		NodeID: string(id),
		Seq:    entry.Seq,
		Root:   root,
	})
}

func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	id := graph.NodeID(r.PathValue("id"))

	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.DeleteNode(id)
	})
	if err != nil {
		h.fail(w, "failed to delete node", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MutationResponse{
		NodeID: string(id),
		Seq:    entry.Seq,
		Root:   root,
	})
}

func (h *Handler) AddEdge(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	parent := graph.NodeID(r.PathValue("id"))
	var req proto.EdgeAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}
	kind := graph.EdgeKind(req.Kind)
	if !graph.ValidEdgeKind(kind) {
		writeError(w, http.StatusBadRequest, "invalid", "unknown edge kind", nil)
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "invalid", "target required", nil)
		return
	}

	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.AddEdge(parent, kind, graph.NodeID(req.Target), graph.NodeID(req.Anchor))
	})
	if err != nil {
		h.fail(w, "failed to add edge", err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.MutationResponse{
		NodeID: string(parent),
		Seq:    entry.Seq,
		Root:   root,
	})
}

func (h *Handler) RemoveEdge(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	parent := graph.NodeID(r.PathValue("id"))
	kind := graph.EdgeKind(r.PathValue("kind"))
	target := graph.NodeID(r.PathValue("target"))
	if !graph.ValidEdgeKind(kind) {
		writeError(w, http.StatusBadRequest, "invalid", "unknown edge kind", nil)
		return
	}

	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.RemoveEdge(parent, kind, target)
	})
	if err != nil {
		h.fail(w, "failed to remove edge", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MutationResponse{
		NodeID: string(parent),
		Seq:    entry.Seq,
		Root:   root,
	})
}

func (h *Handler) ReorderEdges(w http.ResponseWriter, r *http.Request) {
	csID := r.PathValue("cs")
	parent := graph.NodeID(r.PathValue("id"))
	kind := graph.EdgeKind(r.PathValue("kind"))
	if !kind.Ordered() {
		writeError(w, http.StatusBadRequest, "invalid", "edge kind is not ordered", nil)
		return
	}
	var req proto.EdgeReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid request body", err)
		return
	}

	order := make([]graph.NodeID, 0, len(req.Order))
	for _, id := range req.Order {
		order = append(order, graph.NodeID(id))
	}
	root, entry, err := h.ws.Mutate(csID, func(m *changeset.Mutator) (*changeset.EditEntry, error) {
		return m.ReorderEdges(parent, kind, order)
	})
	if err != nil {
		h.fail(w, "failed to reorder edges", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.MutationResponse{
		NodeID: string(parent),
		Seq:    entry.Seq,
		Root:   root,
	})
}

// ----- Events -----

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	afterSeq := uint64(0)
	if after := r.URL.Query().Get("after"); after != "" {
		fmt.Sscanf(after, "%d", &afterSeq)
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}

	list, err := h.st.ListEvents(afterSeq, limit)
	if err != nil {
		h.fail(w, "failed to list events", err)
		return
	}

	out := make([]*proto.Event, 0, len(list))
	for _, ev := range list {
		out = append(out, toEvent(ev))
	}
	writeJSON(w, http.StatusOK, proto.EventListResponse{Events: out})
}

// ----- Packs -----

func (h *Handler) ExportPack(w http.ResponseWriter, r *http.Request) {
	var root cas.Hash
	var err error
	if csID := r.URL.Query().Get("changeset"); csID != "" {
		cs, gerr := h.ws.Get(csID)
		if gerr != nil {
			h.fail(w, "failed to get change set", gerr)
			return
		}
		root = cs.Current
	} else {
		root, err = h.ws.Baseline()
		if err != nil {
			h.fail(w, "failed to read baseline", err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("X-Si-Root", root.Hex())
	if _, err := pack.Build(h.st, root, w); err != nil {
		// Headers are gone; the truncated stream fails the client's digest
		// check on ingest.
		return
	}
}

func (h *Handler) ImportPack(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.cfg.MaxPackSize {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "pack too large", nil)
		return
	}
	limitReader := io.LimitReader(r.Body, h.cfg.MaxPackSize)

	manifest, err := pack.Ingest(h.st, limitReader, h.cfg.MaxPackSize)
	if err != nil {
		h.fail(w, "failed to ingest pack", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.PackIngestResponse{
		Root:    manifest.Root,
		Objects: manifest.Objects,
		Bytes:   manifest.Bytes,
	})
}

// ----- Helpers -----

func (h *Handler) serveNode(w http.ResponseWriter, csID string, id graph.NodeID) {
	node, err := h.ws.GetNode(csID, id)
	if err != nil {
		h.fail(w, "failed to get node", err)
		return
	}
	payload, err := h.st.GetObject(node.PayloadHash)
	if err != nil {
		h.fail(w, "failed to get node payload", err)
		return
	}

	edges := make([]proto.Edge, 0, len(node.Edges))
	for _, e := range node.Edges {
		edges = append(edges, proto.Edge{
			Kind:    string(e.Kind),
			Target:  string(e.Target),
			Ordinal: e.Ordinal,
		})
	}
	writeJSON(w, http.StatusOK, proto.NodeResponse{
		ID:          string(node.ID),
		Kind:        string(node.Kind),
		PayloadHash: node.PayloadHash,
		Payload:     json.RawMessage(payload),
		Edges:       edges,
	})
}

// fail maps engine errors onto HTTP statuses so handlers stay flat.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, msg, err)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrChangeSetNotFound),
		errors.Is(err, store.ErrObjectNotFound),
		errors.Is(err, store.ErrRefNotFound),
		errors.Is(err, changeset.ErrNodeNotFound),
		errors.Is(err, changeset.ErrEdgeNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, workspace.ErrChangeSetClosed):
		return http.StatusConflict, "closed"
	case errors.Is(err, changeset.ErrNodeTombstoned),
		errors.Is(err, changeset.ErrDuplicateEdge):
		return http.StatusConflict, "conflict"
	case errors.Is(err, changeset.ErrBadAnchor),
		errors.Is(err, changeset.ErrBadReorder),
		errors.Is(err, changeset.ErrSelfEdge):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, apply.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, pack.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, pack.ErrCorrupt):
		return http.StatusBadRequest, "corrupt"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func toChangeSet(cs *changeset.ChangeSet) *proto.ChangeSetEntry {
	return &proto.ChangeSetEntry{
		ID:        cs.ID,
		Name:      cs.Name,
		Base:      cs.Base,
		Current:   cs.Current,
		Status:    string(cs.Status),
		CreatedAt: cs.CreatedAt,
		UpdatedAt: cs.UpdatedAt,
	}
}

func toStats(s rebase.Stats) *proto.MergeStats {
	return &proto.MergeStats{
		OnlyOurs:   s.OnlyOurs,
		OnlyTheirs: s.OnlyTheirs,
		Converged:  s.Converged,
		Merged:     s.Merged,
	}
}

func toConflicts(list []rebase.Conflict) []*proto.Conflict {
	out := make([]*proto.Conflict, 0, len(list))
	for i := range list {
		out = append(out, toConflict(&list[i]))
	}
	return out
}

func toConflict(c *rebase.Conflict) *proto.Conflict {
	out := &proto.Conflict{
		Kind:        string(c.Kind),
		NodeID:      string(c.NodeID),
		EdgeKind:    string(c.EdgeKind),
		Message:     c.Message,
		PayloadDiff: c.PayloadDiff,
	}
	if c.Base != nil && !c.Base.Tombstone {
		out.Base = c.Base.PayloadHash
	}
	if c.Ours != nil && !c.Ours.Tombstone {
		out.Ours = c.Ours.PayloadHash
	}
	if c.Theirs != nil && !c.Theirs.Tombstone {
		out.Theirs = c.Theirs.PayloadHash
	}
	return out
}

func toEvent(ev *events.Event) *proto.Event {
	return &proto.Event{
		GlobalSeq:   ev.GlobalSeq,
		ChangeSetID: ev.ChangeSetID,
		Seq:         ev.Seq,
		Kind:        ev.Kind,
		NodeID:      string(ev.NodeID),
		Topic:       ev.Topic,
		Payload:     ev.Payload,
		At:          ev.At,
	}
}
