// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package artifact implements the Artifact Store: it persists a completed
// or checkpointed run as an immutable tree in the version-control object
// database under refs/runbook/runs/<run_id>, without the tree ever
// appearing in commit history.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/trace"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

const refNamespace = "refs/runbook/runs/"

// StepArtifact overlays optional per-step files onto the input/output the
// store derives from the trace.
type StepArtifact struct {
	Input      any
	Output     any
	Prompt     string
	Response   any
	Iterations any
}

// StorableRun is what the engine/router hands the store after a run settles.
type StorableRun struct {
	RunID      string
	WorkflowID string
	Input      any
	Output     any
	DurationMs int64
	StartedAt  time.Time
	Trace      trace.Trace
	Steps      map[string]StepArtifact
}

type metadata struct {
	WorkflowID string    `json:"workflow_id"`
	Input      any       `json:"input"`
	Output     any       `json:"output"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
}

// Store is a content-addressed artifact store backed by a bare or
// non-bare git repository's object database.
type Store struct {
	repo *git.Repository
}

// Open opens the git repository at gitDir (its object database, not a
// worktree) as an artifact store backend.
func Open(gitDir string) (*Store, error) {
	fs := osfs.New(gitDir)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	repo, err := git.Open(storer, nil)
	if err != nil {
		return nil, &runbookerrors.GitStoreError{Kind: "open_failed", Cause: err}
	}
	return &Store{repo: repo}, nil
}

// Init creates a new bare repository at gitDir suitable for use as an
// artifact store backend.
func Init(gitDir string) (*Store, error) {
	repo, err := git.PlainInit(gitDir, true)
	if err != nil {
		return nil, &runbookerrors.GitStoreError{Kind: "init_failed", Cause: err}
	}
	return &Store{repo: repo}, nil
}

// Store persists run as an object tree and points refs/runbook/runs/<run_id>
// at it. The reference is updated directly — the tree never enters commit
// history.
func (s *Store) Store(run StorableRun) error {
	traceBlob, err := s.writeBlob(canonicalJSON(run.Trace))
	if err != nil {
		return s.storeErr(run.RunID, "write_trace", err)
	}

	meta := metadata{
		WorkflowID: run.WorkflowID,
		Input:      run.Input,
		Output:     run.Output,
		DurationMs: run.DurationMs,
		StartedAt:  run.StartedAt,
	}
	metaBlob, err := s.writeBlob(canonicalJSON(meta))
	if err != nil {
		return s.storeErr(run.RunID, "write_metadata", err)
	}

	rootEntries := []object.TreeEntry{
		{Name: "trace.json", Mode: filemode.Regular, Hash: traceBlob},
		{Name: "metadata.json", Mode: filemode.Regular, Hash: metaBlob},
	}

	steps := synthesizeSteps(run.Trace, run.Steps)
	if len(steps) > 0 {
		stepsTree, err := s.buildStepsTree(steps)
		if err != nil {
			return s.storeErr(run.RunID, "write_steps", err)
		}
		rootEntries = append(rootEntries, object.TreeEntry{Name: "steps", Mode: filemode.Dir, Hash: stepsTree})
	}

	rootHash, err := s.writeTree(rootEntries)
	if err != nil {
		return s.storeErr(run.RunID, "write_tree", err)
	}

	refName := plumbing.ReferenceName(refNamespace + run.RunID)
	ref := plumbing.NewHashReference(refName, rootHash)
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return s.storeErr(run.RunID, "set_ref", err)
	}
	return nil
}

// synthesizeSteps derives {input, output} per step id from step_start/
// step_complete trace events, then overlays any explicit StepArtifact
// supplied by the caller on top.
func synthesizeSteps(tr trace.Trace, overlay map[string]StepArtifact) map[string]StepArtifact {
	derived := map[string]StepArtifact{}
	for _, e := range tr.Events {
		if e.StepID == "" {
			continue
		}
		sa := derived[e.StepID]
		switch e.Type {
		case trace.EventStepStart:
			sa.Input = e.Input
		case trace.EventStepComplete:
			sa.Output = e.Output
		}
		derived[e.StepID] = sa
	}
	for id, over := range overlay {
		sa := derived[id]
		if over.Input != nil {
			sa.Input = over.Input
		}
		if over.Output != nil {
			sa.Output = over.Output
		}
		sa.Prompt = over.Prompt
		sa.Response = over.Response
		sa.Iterations = over.Iterations
		derived[id] = sa
	}
	return derived
}

func (s *Store) buildStepsTree(steps map[string]StepArtifact) (plumbing.Hash, error) {
	var stepDirEntries []object.TreeEntry
	for id, sa := range steps {
		var entries []object.TreeEntry

		if sa.Input != nil {
			h, err := s.writeBlob(canonicalJSON(sa.Input))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: "input.json", Mode: filemode.Regular, Hash: h})
		}
		if sa.Output != nil {
			h, err := s.writeBlob(canonicalJSON(sa.Output))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: "output.json", Mode: filemode.Regular, Hash: h})
		}
		if sa.Prompt != "" {
			h, err := s.writeBlob([]byte(sa.Prompt))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: "prompt.txt", Mode: filemode.Regular, Hash: h})
		}
		if sa.Response != nil {
			h, err := s.writeBlob(canonicalJSON(sa.Response))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: "response.json", Mode: filemode.Regular, Hash: h})
		}
		if sa.Iterations != nil {
			h, err := s.writeBlob(canonicalJSON(sa.Iterations))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: "iterations.json", Mode: filemode.Regular, Hash: h})
		}

		if len(entries) == 0 {
			continue
		}
		stepTree, err := s.writeTree(entries)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		stepDirEntries = append(stepDirEntries, object.TreeEntry{Name: id, Mode: filemode.Dir, Hash: stepTree})
	}
	return s.writeTree(stepDirEntries)
}

func (s *Store) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

func (s *Store) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	tree := object.Tree{Entries: entries}
	obj := s.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.repo.Storer.SetEncodedObject(obj)
}

// GetTrace retrieves and deserializes trace.json from the run's tree.
func (s *Store) GetTrace(runID string) (*trace.Trace, error) {
	blob, err := s.readBlobAt(runID, "trace.json")
	if err != nil {
		return nil, s.storeErr(runID, "get_trace", err)
	}
	var tr trace.Trace
	if err := json.Unmarshal(blob, &tr); err != nil {
		return nil, s.storeErr(runID, "decode_trace", err)
	}
	return &tr, nil
}

// GetStepArtifacts retrieves every step's files under steps/<id>/ in the
// run's tree.
func (s *Store) GetStepArtifacts(runID string) (map[string]StepArtifact, error) {
	tree, err := s.rootTree(runID)
	if err != nil {
		return nil, s.storeErr(runID, "get_steps", err)
	}
	stepsEntry, err := tree.FindEntry("steps")
	if err != nil {
		return map[string]StepArtifact{}, nil
	}
	stepsTree, err := object.GetTree(s.repo.Storer, stepsEntry.Hash)
	if err != nil {
		return nil, s.storeErr(runID, "get_steps", err)
	}

	out := map[string]StepArtifact{}
	for _, entry := range stepsTree.Entries {
		if entry.Mode != filemode.Dir {
			continue
		}
		stepTree, err := object.GetTree(s.repo.Storer, entry.Hash)
		if err != nil {
			continue
		}
		out[entry.Name] = stepArtifactFromTree(stepTree, s.repo)
	}
	return out, nil
}

func stepArtifactFromTree(tree *object.Tree, repo *git.Repository) StepArtifact {
	var sa StepArtifact
	for _, entry := range tree.Entries {
		blob, err := readBlobObject(repo, entry.Hash)
		if err != nil {
			continue
		}
		switch entry.Name {
		case "input.json":
			_ = json.Unmarshal(blob, &sa.Input)
		case "output.json":
			_ = json.Unmarshal(blob, &sa.Output)
		case "prompt.txt":
			sa.Prompt = string(blob)
		case "response.json":
			_ = json.Unmarshal(blob, &sa.Response)
		case "iterations.json":
			_ = json.Unmarshal(blob, &sa.Iterations)
		}
	}
	return sa
}

// List parses metadata.json from every ref under the namespace, optionally
// filtered by workflowID, sorted by started_at descending and capped at
// limit (0 means unlimited).
func (s *Store) List(workflowID string, limit int) ([]StorableRun, error) {
	refs, err := s.repo.References()
	if err != nil {
		return nil, &runbookerrors.GitStoreError{Kind: "list_failed", Cause: err}
	}
	defer refs.Close()

	var runs []StorableRun
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, refNamespace) {
			return nil
		}
		runID := strings.TrimPrefix(name, refNamespace)

		blob, err := s.readBlobAt(runID, "metadata.json")
		if err != nil {
			return nil
		}
		var meta metadata
		if err := json.Unmarshal(blob, &meta); err != nil {
			return nil
		}
		if workflowID != "" && meta.WorkflowID != workflowID {
			return nil
		}
		runs = append(runs, StorableRun{
			RunID: runID, WorkflowID: meta.WorkflowID, Input: meta.Input,
			Output: meta.Output, DurationMs: meta.DurationMs, StartedAt: meta.StartedAt,
		})
		return nil
	})
	if err != nil {
		return nil, &runbookerrors.GitStoreError{Kind: "list_failed", Cause: err}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// LinkToCommit rewrites metadata.json with commitSHA, preserving the rest of
// the tree structure: every other root entry (trace.json, steps/, anything
// else) is carried over unchanged.
func (s *Store) LinkToCommit(runID, commitSHA string) error {
	tree, err := s.rootTree(runID)
	if err != nil {
		return s.storeErr(runID, "link_commit", err)
	}

	metaBlob, err := s.readBlobAt(runID, "metadata.json")
	if err != nil {
		return s.storeErr(runID, "link_commit", err)
	}
	var meta metadata
	if err := json.Unmarshal(metaBlob, &meta); err != nil {
		return s.storeErr(runID, "link_commit", err)
	}
	meta.CommitSHA = commitSHA

	newMetaHash, err := s.writeBlob(canonicalJSON(meta))
	if err != nil {
		return s.storeErr(runID, "link_commit", err)
	}

	var entries []object.TreeEntry
	for _, e := range tree.Entries {
		if e.Name == "metadata.json" {
			entries = append(entries, object.TreeEntry{Name: "metadata.json", Mode: filemode.Regular, Hash: newMetaHash})
			continue
		}
		entries = append(entries, e)
	}

	newRootHash, err := s.writeTree(entries)
	if err != nil {
		return s.storeErr(runID, "link_commit", err)
	}

	refName := plumbing.ReferenceName(refNamespace + runID)
	return s.repo.Storer.SetReference(plumbing.NewHashReference(refName, newRootHash))
}

// Push syncs the runbook namespace to remote (default "origin").
func (s *Store) Push(remote string) error {
	if remote == "" {
		remote = "origin"
	}
	refspec := config.RefSpec(fmt.Sprintf("%s*:%s*", refNamespace, refNamespace))
	err := s.repo.Push(&git.PushOptions{RemoteName: remote, RefSpecs: []config.RefSpec{refspec}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return &runbookerrors.GitStoreError{Kind: "push_failed", Cause: err}
	}
	return nil
}

// Pull syncs the runbook namespace from remote (default "origin").
func (s *Store) Pull(remote string) error {
	if remote == "" {
		remote = "origin"
	}
	refspec := config.RefSpec(fmt.Sprintf("%s*:%s*", refNamespace, refNamespace))
	err := s.repo.Fetch(&git.FetchOptions{RemoteName: remote, RefSpecs: []config.RefSpec{refspec}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return &runbookerrors.GitStoreError{Kind: "pull_failed", Cause: err}
	}
	return nil
}

func (s *Store) rootTree(runID string) (*object.Tree, error) {
	refName := plumbing.ReferenceName(refNamespace + runID)
	ref, err := s.repo.Reference(refName, true)
	if err != nil {
		return nil, err
	}
	return object.GetTree(s.repo.Storer, ref.Hash())
}

func (s *Store) readBlobAt(runID, name string) ([]byte, error) {
	tree, err := s.rootTree(runID)
	if err != nil {
		return nil, err
	}
	entry, err := tree.FindEntry(name)
	if err != nil {
		return nil, err
	}
	return readBlobObject(s.repo, entry.Hash)
}

func readBlobObject(repo *git.Repository, hash plumbing.Hash) ([]byte, error) {
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return nil, err
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) storeErr(runID, kind string, cause error) error {
	return &runbookerrors.GitStoreError{Kind: kind, RunID: runID, Cause: cause}
}

func canonicalJSON(v any) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("null")
	}
	return b
}
