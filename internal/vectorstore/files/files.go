// Package files persists index records in the legacy three-artifact layout:
// a binary vector file, a document log and a metadata log that are
// positionally aligned.
package files

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"machina/internal/vectorstore"
)

const (
	IndexFile     = "faiss.index"
	DocumentsFile = "documents.txt"
	MetadataFile  = "metadata.txt"

	// DocumentSeparator joins chunk texts in the document log.
	DocumentSeparator = "\n---\n"

	separatorLine = "---"
)

var magic = []byte("MCHIDX1\n")

// Store implements vectorstore.RecordStore over three files in one directory.
type Store struct {
	dir string
}

// Open prepares dir for use. Nothing is read until Load.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Load reads the three artifacts and rejects them unless they agree on the
// number of records. A directory with no index file is empty, not an error.
func (s *Store) Load(_ context.Context) ([]vectorstore.Record, error) {
	raw, err := os.ReadFile(s.path(IndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("files: read index: %w", err)
	}
	vectors, err := decodeVectors(raw)
	if err != nil {
		return nil, err
	}

	docs, err := readLog(s.path(DocumentsFile), DocumentSeparator, len(vectors))
	if err != nil {
		return nil, err
	}
	metas, err := readLog(s.path(MetadataFile), "\n", len(vectors))
	if err != nil {
		return nil, err
	}

	records := make([]vectorstore.Record, len(vectors))
	for i := range vectors {
		records[i] = vectorstore.Record{
			ID:     uint64(i),
			Vector: vectors[i],
			Text:   docs[i],
			Source: sourceOf(metas[i]),
			Meta:   metas[i],
		}
	}
	return records, nil
}

func readLog(path, sep string, want int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && want == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", vectorstore.ErrCorrupt, filepath.Base(path), err)
	}
	var entries []string
	if want > 0 {
		entries = strings.Split(string(data), sep)
	}
	if len(entries) != want {
		return nil, fmt.Errorf("%w: %s has %d entries, index has %d vectors", vectorstore.ErrCorrupt, filepath.Base(path), len(entries), want)
	}
	return entries, nil
}

// Append rewrites all three artifacts. They are staged as temporary files and
// renamed into place only after every one was written successfully.
func (s *Store) Append(_ context.Context, all, _ []vectorstore.Record) error {
	index, err := encodeVectors(all)
	if err != nil {
		return err
	}
	docs := make([]string, len(all))
	metas := make([]string, len(all))
	for i, r := range all {
		docs[i] = escapeText(r.Text)
		metas[i] = strings.ReplaceAll(r.Meta, "\n", " ")
	}
	return s.writeAll(map[string][]byte{
		IndexFile:     index,
		DocumentsFile: []byte(strings.Join(docs, DocumentSeparator)),
		MetadataFile:  []byte(strings.Join(metas, "\n")),
	})
}

func (s *Store) writeAll(contents map[string][]byte) error {
	staged := make(map[string]string, len(contents))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}
	for name, data := range contents {
		f, err := os.CreateTemp(s.dir, name+".*.tmp")
		if err != nil {
			cleanup()
			return fmt.Errorf("files: stage %s: %w", name, err)
		}
		staged[name] = f.Name()
		if _, err := f.Write(data); err == nil {
			err = f.Sync()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			cleanup()
			return fmt.Errorf("files: write %s: %w", name, err)
		}
	}
	// the index goes last: a crash in between leaves a count mismatch, which
	// Load rejects
	for _, name := range []string{DocumentsFile, MetadataFile, IndexFile} {
		if err := os.Rename(staged[name], s.path(name)); err != nil {
			cleanup()
			return fmt.Errorf("files: commit %s: %w", name, err)
		}
		delete(staged, name)
	}
	return nil
}

// Reset removes the three artifacts.
func (s *Store) Reset(_ context.Context) error {
	for _, name := range []string{IndexFile, DocumentsFile, MetadataFile} {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("files: reset %s: %w", name, err)
		}
	}
	return nil
}

// Close is a no-op; files are not held open.
func (s *Store) Close() error { return nil }

// escapeText prefixes a backslash to every line that is "---" after any
// leading backslashes, so no text line can be read back as a separator.
func escapeText(text string) string {
	if !strings.Contains(text, separatorLine) {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if strings.TrimLeft(l, `\`) == separatorLine {
			lines[i] = `\` + l
		}
	}
	return strings.Join(lines, "\n")
}

// unescapeText reverses escapeText.
func unescapeText(text string) string {
	if !strings.Contains(text, `\`+separatorLine) {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, `\`) && strings.TrimLeft(l, `\`) == separatorLine {
			lines[i] = l[1:]
		}
	}
	return strings.Join(lines, "\n")
}

// sourceOf strips the "_chunk_N" suffix the retrieval engine appends to tags.
func sourceOf(meta string) string {
	if i := strings.LastIndex(meta, "_chunk_"); i > 0 {
		return meta[:i]
	}
	return meta
}

// The index file is a zstd frame holding: magic, uint32 dimension, uint64
// count, then count*dimension little-endian float32 values.
func encodeVectors(records []vectorstore.Record) ([]byte, error) {
	dim := 0
	if len(records) > 0 {
		dim = len(records[0].Vector)
	}
	var buf bytes.Buffer
	buf.Write(magic)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dim))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(records)))
	scratch := make([]byte, 4)
	for i, r := range records {
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("%w: record %d", vectorstore.ErrDimensionMismatch, i)
		}
		for _, v := range r.Vector {
			binary.LittleEndian.PutUint32(scratch, math.Float32bits(v))
			buf.Write(scratch)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("files: zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func decodeVectors(raw []byte) ([][]float32, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("files: zstd reader: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: index: %v", vectorstore.ErrCorrupt, err)
	}

	r := bytes.NewReader(data)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil || !bytes.Equal(head, magic) {
		return nil, fmt.Errorf("%w: index: bad header", vectorstore.ErrCorrupt)
	}
	var dim uint32
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("%w: index: %v", vectorstore.ErrCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: index: %v", vectorstore.ErrCorrupt, err)
	}
	if uint64(r.Len()) != count*uint64(dim)*4 {
		return nil, fmt.Errorf("%w: index: %d bytes for %d vectors of %d dimensions", vectorstore.ErrCorrupt, r.Len(), count, dim)
	}

	vectors := make([][]float32, count)
	scratch := make([]byte, 4)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			_, _ = io.ReadFull(r, scratch)
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(scratch))
		}
		vectors[i] = v
	}
	return vectors, nil
}
