package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/graph"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// SQLite is the durable store. One database file holds objects, refs,
// change sets, the edit log and the event outbox, so the composite write
// methods are single transactions.
type SQLite struct {
	conn  *sql.DB
	cache *pageCache
	pins  *pinSet
	path  string
}

// Open opens or creates the database at path, applying pragmas and schema.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLite{
		conn:  conn,
		cache: newPageCache(defaultCacheSize),
		pins:  newPinSet(),
		path:  path,
	}, nil
}

// Close closes the database connection.
func (db *SQLite) Close() error {
	return db.conn.Close()
}

// ----- Objects -----

func (db *SQLite) PutObject(kind string, data []byte) (cas.Hash, error) {
	h := cas.Sum(kind, data)
	_, err := db.conn.Exec(
		`INSERT OR IGNORE INTO objects (hash, kind, data, created_at) VALUES (?, ?, ?, ?)`,
		h[:], kind, data, cas.NowMs(),
	)
	if err != nil {
		return cas.Zero, fmt.Errorf("inserting object: %w", err)
	}
	db.cache.put(h, data)
	return h, nil
}

func (db *SQLite) GetObject(h cas.Hash) ([]byte, error) {
	if data, ok := db.cache.get(h); ok {
		return data, nil
	}
	var data []byte
	err := db.conn.QueryRow(`SELECT data FROM objects WHERE hash = ?`, h[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %s: %w", h.Short(), ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying object: %w", err)
	}
	db.cache.put(h, data)
	return data, nil
}

func (db *SQLite) HasObject(h cas.Hash) (bool, error) {
	if _, ok := db.cache.get(h); ok {
		return true, nil
	}
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM objects WHERE hash = ?`, h[:]).Scan(&count); err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return count > 0, nil
}

func (db *SQLite) ForEachObject(fn func(hash cas.Hash, kind string) error) error {
	rows, err := db.conn.Query(`SELECT hash, kind FROM objects`)
	if err != nil {
		return fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		var kind string
		if err := rows.Scan(&blob, &kind); err != nil {
			return fmt.Errorf("scanning object row: %w", err)
		}
		h, err := hashFromBlob(blob)
		if err != nil {
			return err
		}
		if err := fn(h, kind); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (db *SQLite) DeleteObjects(hashes []cas.Hash) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	deleted := 0
	const batchSize = 500
	for i := 0; i < len(hashes); i += batchSize {
		end := i + batchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[i:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, len(batch))
		for j, h := range batch {
			placeholders[j] = "?"
			args[j] = h[:]
			db.cache.drop(h)
		}

		res, err := db.conn.Exec(
			fmt.Sprintf(`DELETE FROM objects WHERE hash IN (%s)`, strings.Join(placeholders, ",")),
			args...,
		)
		if err != nil {
			return deleted, fmt.Errorf("deleting objects: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("counting deleted objects: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// ----- Refs -----

func (db *SQLite) GetRef(name string) (cas.Hash, error) {
	var target []byte
	err := db.conn.QueryRow(`SELECT target FROM refs WHERE name = ?`, name).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return cas.Zero, fmt.Errorf("ref %q: %w", name, ErrRefNotFound)
	}
	if err != nil {
		return cas.Zero, fmt.Errorf("querying ref: %w", err)
	}
	return hashFromBlob(target)
}

func (db *SQLite) SetRefCAS(name string, old, new cas.Hash, note string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if err := setRefTx(tx, name, old, new, note); err != nil {
		return err
	}
	return tx.Commit()
}

// setRefTx does the compare-and-swap inside an open transaction: read the
// current target, compare to old, upsert, chain a history entry.
func setRefTx(tx *sql.Tx, name string, old, new cas.Hash, note string) error {
	current := cas.Zero
	var blob []byte
	err := tx.QueryRow(`SELECT target FROM refs WHERE name = ?`, name).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// absent ref compares as zero
	case err != nil:
		return fmt.Errorf("checking current ref: %w", err)
	default:
		if current, err = hashFromBlob(blob); err != nil {
			return err
		}
	}

	if current != old {
		return fmt.Errorf("ref %q: %w", name, ErrRefMismatch)
	}

	parent := cas.Zero
	var parentBlob []byte
	err = tx.QueryRow(`SELECT id FROM ref_history WHERE name = ? ORDER BY seq DESC LIMIT 1`, name).Scan(&parentBlob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("getting parent history: %w", err)
	default:
		if parent, err = hashFromBlob(parentBlob); err != nil {
			return err
		}
	}

	at := cas.NowMs()
	_, err = tx.Exec(
		`INSERT INTO refs (name, target, updated_at, note) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET target=excluded.target, updated_at=excluded.updated_at, note=excluded.note`,
		name, new[:], at, note,
	)
	if err != nil {
		return fmt.Errorf("upserting ref: %w", err)
	}

	id, err := refEntryID(parent, name, old, new, note, at)
	if err != nil {
		return fmt.Errorf("hashing history entry: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO ref_history (id, parent, name, old, new, note, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id[:], parent[:], name, old[:], new[:], note, at,
	)
	if err != nil {
		return fmt.Errorf("inserting ref history: %w", err)
	}
	return nil
}

func (db *SQLite) ListRefs() ([]Ref, error) {
	rows, err := db.conn.Query(`SELECT name, target FROM refs ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying refs: %w", err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		var r Ref
		var target []byte
		if err := rows.Scan(&r.Name, &target); err != nil {
			return nil, fmt.Errorf("scanning ref: %w", err)
		}
		if r.Target, err = hashFromBlob(target); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *SQLite) RefHistory(name string, afterSeq int64, limit int) ([]*RefEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if name == "" {
		rows, err = db.conn.Query(
			`SELECT seq, id, parent, name, old, new, note, at FROM ref_history WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit,
		)
	} else {
		rows, err = db.conn.Query(
			`SELECT seq, id, parent, name, old, new, note, at FROM ref_history WHERE name = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			name, afterSeq, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying ref history: %w", err)
	}
	defer rows.Close()

	var out []*RefEntry
	for rows.Next() {
		var e RefEntry
		var id, parent, oldB, newB []byte
		if err := rows.Scan(&e.Seq, &id, &parent, &e.Name, &oldB, &newB, &e.Note, &e.At); err != nil {
			return nil, fmt.Errorf("scanning ref history: %w", err)
		}
		if e.ID, err = hashFromBlob(id); err != nil {
			return nil, err
		}
		if e.Parent, err = hashFromBlob(parent); err != nil {
			return nil, err
		}
		if e.Old, err = hashFromBlob(oldB); err != nil {
			return nil, err
		}
		if e.New, err = hashFromBlob(newB); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ----- Change sets -----

func (db *SQLite) PutChangeSet(cs *changeset.ChangeSet) error {
	return upsertChangeSet(db.conn, cs)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func upsertChangeSet(e execer, cs *changeset.ChangeSet) error {
	_, err := e.Exec(
		`INSERT INTO changesets (id, name, base, current, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, base=excluded.base, current=excluded.current,
		   status=excluded.status, updated_at=excluded.updated_at`,
		cs.ID, cs.Name, cs.Base[:], cs.Current[:], string(cs.Status), cs.CreatedAt, cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting change set: %w", err)
	}
	return nil
}

func (db *SQLite) GetChangeSet(id string) (*changeset.ChangeSet, error) {
	row := db.conn.QueryRow(
		`SELECT id, name, base, current, status, created_at, updated_at FROM changesets WHERE id = ?`, id,
	)
	cs, err := scanChangeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change set %q: %w", id, ErrChangeSetNotFound)
	}
	return cs, err
}

func (db *SQLite) ListChangeSets() ([]*changeset.ChangeSet, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, base, current, status, created_at, updated_at FROM changesets ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying change sets: %w", err)
	}
	defer rows.Close()

	var out []*changeset.ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChangeSet(row rowScanner) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	var base, current []byte
	var status string
	if err := row.Scan(&cs.ID, &cs.Name, &base, &current, &status, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning change set: %w", err)
	}
	var err error
	if cs.Base, err = hashFromBlob(base); err != nil {
		return nil, err
	}
	if cs.Current, err = hashFromBlob(current); err != nil {
		return nil, err
	}
	cs.Status = changeset.Status(status)
	return &cs, nil
}

// ----- Edit log -----

func (db *SQLite) ListEdits(csID string, afterSeq uint64, limit int) ([]*changeset.EditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.conn.Query(
		`SELECT data FROM edits WHERE cs_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		csID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying edits: %w", err)
	}
	defer rows.Close()

	var out []*changeset.EditEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning edit: %w", err)
		}
		var e changeset.EditEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding edit: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (db *SQLite) CountEdits(csID string) (uint64, error) {
	var count uint64
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM edits WHERE cs_id = ?`, csID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting edits: %w", err)
	}
	return count, nil
}

// ----- Composite transactions -----

func (db *SQLite) RecordMutation(cs *changeset.ChangeSet, edit *changeset.EditEntry, ev *events.Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertChangeSet(tx, cs); err != nil {
		return err
	}

	data, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("encoding edit: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO edits (cs_id, seq, data) VALUES (?, ?, ?)`,
		cs.ID, edit.Seq, data,
	); err != nil {
		return fmt.Errorf("inserting edit: %w", err)
	}

	if err := insertEventTx(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *SQLite) UpdateChangeSet(cs *changeset.ChangeSet, ev *events.Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertChangeSet(tx, cs); err != nil {
		return err
	}
	if ev != nil {
		if err := insertEventTx(tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *SQLite) CommitApply(refName string, old, new cas.Hash, cs *changeset.ChangeSet, evs []*events.Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if err := setRefTx(tx, refName, old, new, "apply "+cs.ID); err != nil {
		return err
	}
	if err := upsertChangeSet(tx, cs); err != nil {
		return err
	}
	for _, ev := range evs {
		if err := insertEventTx(tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ----- Event outbox -----

func insertEventTx(tx *sql.Tx, ev *events.Event) error {
	res, err := tx.Exec(
		`INSERT INTO events (cs_id, seq, kind, node_id, topic, payload, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ChangeSetID, ev.Seq, ev.Kind, string(ev.NodeID), ev.Topic, []byte(ev.Payload), ev.At,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading event seq: %w", err)
	}
	ev.GlobalSeq = uint64(seq)
	return nil
}

func (db *SQLite) ListEvents(afterGlobal uint64, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT global_seq, cs_id, seq, kind, node_id, topic, payload, at
		 FROM events WHERE global_seq > ? ORDER BY global_seq ASC LIMIT ?`,
		afterGlobal, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var nodeID string
		var payload []byte
		if err := rows.Scan(&ev.GlobalSeq, &ev.ChangeSetID, &ev.Seq, &ev.Kind, &nodeID, &ev.Topic, &payload, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.NodeID = graph.NodeID(nodeID)
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ----- Pins -----

func (db *SQLite) Pin(h cas.Hash)          { db.pins.pin(h) }
func (db *SQLite) Unpin(h cas.Hash)        { db.pins.unpin(h) }
func (db *SQLite) PinnedRoots() []cas.Hash { return db.pins.roots() }

func hashFromBlob(blob []byte) (cas.Hash, error) {
	var h cas.Hash
	if len(blob) == 0 {
		return cas.Zero, nil
	}
	if len(blob) != len(h) {
		return cas.Zero, fmt.Errorf("stored hash is %d bytes, want %d", len(blob), len(h))
	}
	copy(h[:], blob)
	return h, nil
}
