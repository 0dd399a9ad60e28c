// Package proctrack implements the Process Tracker (spec.md §4.8): a
// persisted registry of subprocess PIDs, used to reclaim orphans left
// behind by a prior crashed peer run.
package proctrack

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/docstore"
	"github.com/chouwzi/peerhost/internal/procspawn"
)

// Entry is one persisted registration.
type Entry struct {
	PID                int    `json:"pid"`
	ExpectedExecutable string `json:"expected_executable"`
}

type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Tracker persists {key -> (pid, expected_executable_name)} to docPath and
// reconciles orphans from a prior run on startup.
type Tracker struct {
	docPath string
	spawner procspawn.Spawner
	log     log.Logger
	doc     document
}

func New(docPath string, spawner procspawn.Spawner, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.Root()
	}
	return &Tracker{
		docPath: docPath,
		spawner: spawner,
		log:     logger,
		doc:     document{Entries: make(map[string]Entry)},
	}
}

// ReconcileOrphans loads the persisted document and, for every entry whose
// PID is still alive under the expected executable name, kills its process
// tree — it's an orphan from a crashed prior run. After cleanup the
// persisted set is cleared, per spec.md §4.8.
func (t *Tracker) ReconcileOrphans() error {
	var persisted document
	if err := docstore.Load(t.docPath, &persisted); err != nil {
		// No prior document is the common case (first run); anything else
		// is logged but not fatal — losing the orphan registry only risks
		// leaving a stray process, not corrupting state.
		t.log.Debug("no process-tracker document to reconcile", "err", err)
		return nil
	}
	for key, entry := range persisted.Entries {
		alive, err := t.spawner.FindProcess(entry.PID, entry.ExpectedExecutable)
		if err != nil {
			t.log.Warn("failed to probe tracked process", "key", key, "pid", entry.PID, "err", err)
			continue
		}
		if !alive {
			continue
		}
		t.log.Warn("reclaiming orphaned process from prior run", "key", key, "pid", entry.PID)
		if err := t.spawner.KillTree(entry.PID); err != nil {
			t.log.Error("failed to kill orphaned process tree", "key", key, "pid", entry.PID, "err", err)
		}
	}
	t.doc = document{Entries: make(map[string]Entry)}
	return t.persist()
}

// Register records pid under key as having the given expected executable
// name. Synchronous, called right after a subprocess spawn succeeds.
func (t *Tracker) Register(key string, pid int, expectedExecutable string) error {
	t.doc.Entries[key] = Entry{PID: pid, ExpectedExecutable: expectedExecutable}
	return t.persist()
}

// Unregister removes key. Synchronous, called on graceful subprocess exit.
func (t *Tracker) Unregister(key string) error {
	delete(t.doc.Entries, key)
	return t.persist()
}

func (t *Tracker) persist() error {
	return docstore.Save(t.docPath, t.doc)
}
