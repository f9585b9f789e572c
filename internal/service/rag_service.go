// Package service implements the retrieval engine: ingesting documents into
// the vector index and returning the passages nearest to a query.
package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"machina/internal/domain"
	"machina/internal/embedding"
	"machina/internal/extract"
	"machina/internal/vectorstore"
)

// DefaultTopK is used when Retrieve is called without a positive k.
const DefaultTopK = 5

// Stats describes the current index contents.
type Stats struct {
	TotalDocuments int    `json:"total_documents"`
	TotalVectors   int    `json:"total_vectors"`
	EmbeddingModel string `json:"embedding_model"`
	Dimension      int    `json:"dimension"`
}

type RAGServiceImpl struct {
	chunker             domain.Chunker
	embedder            embedding.Embedder
	index               *vectorstore.Index
	summarizer          domain.Summarizer
	summaryMaxSentences int
	logger              *slog.Logger
}

// NewRAGService wires the engine. index may be nil when the embedder is
// unavailable; every operation then returns its empty result.
func NewRAGService(chunker domain.Chunker, embedder embedding.Embedder, index *vectorstore.Index, summarizer domain.Summarizer, summaryMaxSentences int, logger *slog.Logger) *RAGServiceImpl {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = embedding.Unavailable{Reason: "not configured"}
	}
	return &RAGServiceImpl{
		chunker:             chunker,
		embedder:            embedder,
		index:               index,
		summarizer:          summarizer,
		summaryMaxSentences: summaryMaxSentences,
		logger:              logger.With("component", "retrieval"),
	}
}

func (s *RAGServiceImpl) ready() bool {
	return s.index != nil && embedding.Available(s.embedder)
}

// AddDocuments chunks, embeds and indexes docs, tagging each chunk
// "{meta}_chunk_{j}". meta[i] defaults to "doc_{i}". It returns the number of
// chunks added, which is zero whenever any step fails.
func (s *RAGServiceImpl) AddDocuments(ctx context.Context, docs []string, meta []string) int {
	if !s.ready() {
		s.logger.Warn("retrieval unavailable, documents not indexed", "documents", len(docs))
		return 0
	}

	var records []vectorstore.Record
	var texts []string
	for i, doc := range docs {
		tag := fmt.Sprintf("doc_%d", i)
		if i < len(meta) && meta[i] != "" {
			tag = meta[i]
		}
		for _, ch := range s.chunker.Chunk(domain.Document{ID: tag, Content: doc}) {
			records = append(records, vectorstore.Record{
				Text:   ch.Text,
				Source: tag,
				Meta:   fmt.Sprintf("%s_chunk_%d", tag, ch.Index),
			})
			texts = append(texts, ch.Text)
		}
	}
	if len(records) == 0 {
		return 0
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.Error("embedding chunks failed", "chunks", len(texts), "err", err)
		return 0
	}
	if len(vectors) != len(records) {
		s.logger.Error("embedder returned wrong number of vectors", "want", len(records), "got", len(vectors))
		return 0
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}

	added, err := s.index.Add(ctx, records)
	if err != nil {
		s.logger.Error("indexing chunks failed", "chunks", len(records), "err", err)
		return 0
	}
	s.logger.Info("indexed documents", "documents", len(docs), "chunks", len(added), "total_vectors", s.index.Len())
	return len(added)
}

// IngestDirectory indexes every file under dir whose extension is in exts
// (extract.DefaultExtensions when empty). Unreadable files are skipped.
func (s *RAGServiceImpl) IngestDirectory(ctx context.Context, dir string, exts []string) int {
	if len(exts) == 0 {
		exts = extract.DefaultExtensions
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("ingest directory not found", "dir", dir)
		return 0
	}

	var docs, meta []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("skipping unreadable path", "path", path, "err", err)
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !extract.Matches(path, exts) {
			return nil
		}
		text, err := extract.Text(path)
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", path, "err", err)
			return nil
		}
		if strings.TrimSpace(text) == "" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, text)
		meta = append(meta, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		s.logger.Warn("ingest interrupted", "dir", dir, "err", err)
		return 0
	}
	if len(docs) == 0 {
		s.logger.Info("no documents to ingest", "dir", dir, "extensions", exts)
		return 0
	}
	return s.AddDocuments(ctx, docs, meta)
}

// Retrieve returns up to k passages nearest to query, best first, keeping
// only those scoring at least minScore. A non-positive minScore disables the
// threshold. Any failure yields an empty result.
func (s *RAGServiceImpl) Retrieve(ctx context.Context, query string, k int, minScore float64) []domain.Passage {
	passages := []domain.Passage{}
	if !s.ready() || s.index.Len() == 0 || strings.TrimSpace(query) == "" {
		return passages
	}
	if k <= 0 {
		k = DefaultTopK
	}

	vectors, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		s.logger.Error("embedding query failed", "err", err)
		return passages
	}
	hits, err := s.index.Search(vectors[0], k)
	if err != nil {
		s.logger.Error("index search failed", "err", err)
		return passages
	}
	for _, h := range hits {
		score := 1 / (1 + h.Distance)
		if minScore > 0 && score < minScore {
			continue
		}
		passages = append(passages, domain.Passage{Text: h.Record.Text, Source: h.Record.Source, Score: score})
	}
	return passages
}

// Digest condenses passages into a few sentences relevant to query.
func (s *RAGServiceImpl) Digest(passages []domain.Passage, query string) string {
	if s.summarizer == nil || len(passages) == 0 {
		return ""
	}
	return s.summarizer.Summarize(passages, query, s.summaryMaxSentences)
}

// Stats reports the index size and the embedding provider in use.
func (s *RAGServiceImpl) Stats() Stats {
	st := Stats{EmbeddingModel: s.embedder.Name(), Dimension: s.embedder.Dimension()}
	if s.index == nil {
		return st
	}
	st.Dimension = s.index.Dimension()
	st.TotalVectors = s.index.Len()
	st.TotalDocuments = s.index.Sources()
	return st
}

// Rebuild discards every indexed chunk.
func (s *RAGServiceImpl) Rebuild(ctx context.Context) error {
	if s.index == nil {
		return fmt.Errorf("service: rebuild: %w", embedding.ErrUnavailable)
	}
	if err := s.index.Reset(ctx); err != nil {
		return fmt.Errorf("service: rebuild: %w", err)
	}
	s.logger.Info("vector index reset")
	return nil
}
