// Package dataset loads question answering benchmarks from local JSONL files
// into examples and a per-run document corpus.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
)

// ErrUnsupportedDataset is returned for a dataset name with no loader.
var ErrUnsupportedDataset = errors.New("unsupported dataset")

// ErrUnreadable is returned when a dataset file cannot be opened or parsed.
var ErrUnreadable = errors.New("dataset unreadable")

// DefaultMaxContexts bounds the candidate documents kept per question.
const DefaultMaxContexts = 10

// Document is one candidate passage.
type Document struct {
	DocID        string
	Title        string
	Text         string
	IsSupporting bool
	SampleID     string
}

// QAExample is one question with its gold answer.
type QAExample struct {
	SampleID         string
	Question         string
	Answer           string
	SupportingDocIDs []string
}

// Corpus holds the documents of a run in insertion order. It is not
// modified after loading.
type Corpus struct {
	docs     []Document
	byID     map[string]int
	bySample map[string][]string
}

func newCorpus() *Corpus {
	return &Corpus{
		byID:     make(map[string]int),
		bySample: make(map[string][]string),
	}
}

// add inserts doc unless its id is already present. It reports whether the
// document was added.
func (c *Corpus) add(doc Document) bool {
	if _, ok := c.byID[doc.DocID]; ok {
		return false
	}
	c.byID[doc.DocID] = len(c.docs)
	c.docs = append(c.docs, doc)
	c.bySample[doc.SampleID] = append(c.bySample[doc.SampleID], doc.DocID)
	return true
}

// Get returns a document by id.
func (c *Corpus) Get(id string) (Document, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Document{}, false
	}
	return c.docs[i], true
}

// ForSample returns the candidate document ids of a sample in insertion
// order.
func (c *Corpus) ForSample(sampleID string) []string {
	return append([]string(nil), c.bySample[sampleID]...)
}

// Documents returns all documents in insertion order.
func (c *Corpus) Documents() []Document {
	return append([]Document(nil), c.docs...)
}

// Len returns the number of documents.
func (c *Corpus) Len() int {
	return len(c.docs)
}

// Options selects and samples a dataset.
type Options struct {
	Name        string
	Split       string
	Path        string // overrides data/<name>/<split>.jsonl
	SampleSize  int    // 0 keeps every row
	MaxContexts int
	Seed        int64
}

// Dataset is a loaded sample.
type Dataset struct {
	Examples []QAExample
	Corpus   *Corpus
}

type loader func(rows []row, opts Options) (*Dataset, error)

var loaders = map[string]loader{
	"hotpotqa": loadHotpotQA,
	"squad_v2": loadSquadV2,
	"boolq":    loadBoolQ,
}

// Supported reports whether name has a loader.
func Supported(name string) bool {
	_, ok := loaders[name]
	return ok
}

// DefaultPath returns the conventional location of a split.
func DefaultPath(name, split string) string {
	return filepath.Join("data", name, split+".jsonl")
}

// Load reads, samples and converts a dataset.
func Load(opts Options) (*Dataset, error) {
	load, ok := loaders[opts.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDataset, opts.Name)
	}
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = DefaultMaxContexts
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath(opts.Name, opts.Split)
	}

	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	return load(sample(rows, opts.SampleSize, opts.Seed), opts)
}

// sample shuffles row indices with a seeded source and keeps the first n.
// Rows keep their original file index.
func sample(rows []row, n int, seed int64) []row {
	indices := make([]int, len(rows))
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	if n > 0 && n < len(indices) {
		indices = indices[:n]
	}
	out := make([]row, len(indices))
	for i, idx := range indices {
		out[i] = rows[idx]
	}
	return out
}
