package files

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machina/internal/vectorstore"
)

func sample() []vectorstore.Record {
	return []vectorstore.Record{
		{ID: 0, Vector: []float32{0.25, -1}, Text: "Vibration above 2 mm/s indicates bearing damage.", Source: "vib.txt", Meta: "vib.txt_chunk_0"},
		{ID: 1, Vector: []float32{3, 4}, Text: "Stop CNC machines above 60 °C.\nCheck the coolant.", Source: "cnc.md", Meta: "cnc.md_chunk_0"},
		{ID: 2, Vector: []float32{-2, 0.5}, Text: "Hydraulic presses need seal maintenance.", Source: "doc_2", Meta: "doc_2_chunk_0"},
	}
}

func TestStore_WritesLegacyLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	recs := sample()
	require.NoError(t, s.Append(context.Background(), recs, recs))

	docs, err := os.ReadFile(filepath.Join(dir, DocumentsFile))
	require.NoError(t, err)
	assert.Len(t, strings.Split(string(docs), DocumentSeparator), 3)

	meta, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, "vib.txt_chunk_0\ncnc.md_chunk_0\ndoc_2_chunk_0", string(meta))

	_, err = os.Stat(filepath.Join(dir, IndexFile))
	require.NoError(t, err)
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, tmps)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	recs := sample()
	require.NoError(t, s.Append(ctx, recs, recs))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs, loaded)
}

func TestStore_EmptyDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "vector_store"))
	require.NoError(t, err)
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_RejectsUnreadableIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	recs := sample()
	require.NoError(t, s.Append(ctx, recs, recs))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte("garbage"), 0o644))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, vectorstore.ErrCorrupt)
}

func TestStore_RejectsMisalignedLogs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	recs := sample()
	require.NoError(t, s.Append(ctx, recs, recs))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("only_one"), 0o644))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, vectorstore.ErrCorrupt)
}

func TestStore_CorruptIndexFallsBackToEmptyIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	recs := sample()
	require.NoError(t, s.Append(ctx, recs, recs))
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFile), []byte("garbage"), 0o644))

	idx, err := vectorstore.Open(ctx, s, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	_, err = os.Stat(filepath.Join(dir, IndexFile))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_SeparatorInsideTextKeepsAlignment(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	recs := []vectorstore.Record{
		{ID: 0, Vector: []float32{1}, Text: "intro\n---\nrule", Meta: "a_chunk_0"},
		{ID: 1, Vector: []float32{2}, Text: "second", Meta: "a_chunk_1"},
	}
	require.NoError(t, s.Append(ctx, recs, recs))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "intro\n---\nrule", loaded[0].Text)
	assert.Equal(t, "second", loaded[1].Text)
	assert.Equal(t, "a", loaded[1].Source)
}

func TestStore_RuleLinesAtChunkEdgesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	texts := []string{
		"## Press\n---",
		"Check seals.",
		"---\nLubricate rails.",
		"---",
		`\---`,
		"",
		"Stop spindle.\n---\n",
	}
	recs := make([]vectorstore.Record, len(texts))
	for i, text := range texts {
		recs[i] = vectorstore.Record{ID: uint64(i), Vector: []float32{float32(i)}, Text: text, Meta: "manual.md_chunk_" + strconv.Itoa(i)}
	}
	require.NoError(t, s.Append(ctx, recs, recs))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, len(texts))
	for i, text := range texts {
		assert.Equal(t, text, loaded[i].Text, "record %d", i)
	}
}
