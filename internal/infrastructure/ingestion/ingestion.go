package ingestion

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
)

// Chunking and acceptance defaults.
const (
	DefaultChunkSize = 500
	DefaultOverlap   = 50
	DefaultMaxBytes  = 1 << 20
)

// supportedExtensions are the only file types ingested.
var supportedExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// ChunkStore is the slice of the memory store ingestion writes to.
type ChunkStore interface {
	StoreKnowledgeChunk(chunk *entity.KnowledgeChunk) error
	DeleteKnowledgeSource(scope, source string) (int64, error)
}

// Ingester processes documents from <root>/input/<scope>/ into the
// knowledge index, marking each processed file under <root>/done/<scope>/.
type Ingester struct {
	root      string
	chunkSize int
	overlap   int
	maxBytes  int
	keepFiles bool
	store     ChunkStore
	logger    *zap.Logger
}

// NewIngester creates an ingester rooted at dir. When keepFiles is set,
// processed originals move to done/; otherwise a zero-byte marker is
// touched and the original deleted.
func NewIngester(dir string, chunkSize, overlap, maxBytes int, keepFiles bool, store ChunkStore, logger *zap.Logger) *Ingester {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultOverlap
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Ingester{
		root:      dir,
		chunkSize: chunkSize,
		overlap:   overlap,
		maxBytes:  maxBytes,
		keepFiles: keepFiles,
		store:     store,
		logger:    logger,
	}
}

// InputDir returns the watch root for pending files.
func (g *Ingester) InputDir() string {
	return filepath.Join(g.root, "input")
}

func (g *Ingester) doneDir() string {
	return filepath.Join(g.root, "done")
}

// EnsureDirectories creates the input/ and done/ trees.
func (g *Ingester) EnsureDirectories() error {
	for _, dir := range []string{g.InputDir(), g.doneDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ingestion dir %s: %w", dir, err)
		}
	}
	return nil
}

// ChunkText splits text into overlapping segments of roughly chunkSize
// characters, preferring paragraph breaks past the midpoint, then sentence
// terminators, then a hard cut.
func ChunkText(text string, chunkSize, overlap int) []string {
	if len(text) <= chunkSize {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize

		if end < len(text) {
			window := text[start:end]
			if para := strings.LastIndex(window, "\n\n"); para > chunkSize/2 {
				end = start + para + 2
			} else {
				for _, sep := range []string{". ", ".\n", "! ", "? "} {
					if sent := strings.LastIndex(window, sep); sent > chunkSize/2 {
						end = start + sent + len(sep)
						break
					}
				}
			}
		} else {
			end = len(text)
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end < len(text) {
			start = end - overlap
		} else {
			start = len(text)
		}
	}
	return chunks
}

// ExtractTitle derives a document title: a Markdown heading, else the first
// short non-empty line, else the filename stem.
func ExtractTitle(text, filename string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")

	if len(lines) > 0 && strings.HasPrefix(lines[0], "# ") {
		return strings.TrimSpace(lines[0][2:])
	}

	limit := len(lines)
	if limit > 5 {
		limit = 5
	}
	for _, line := range lines[:limit] {
		line = strings.TrimSpace(line)
		if line != "" && len(line) < 100 {
			return line
		}
	}

	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	stem = strings.ReplaceAll(stem, "-", " ")
	stem = strings.ReplaceAll(stem, "_", " ")
	return strings.TrimSpace(stem)
}

// IngestFile reads and indexes one file into the given scope, replacing any
// prior chunks of the same source. Returns the chunk count. Files that are
// too large or not valid UTF-8 are rejected and deleted.
func (g *Ingester) IngestFile(path, scope string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > int64(g.maxBytes) {
		g.removeRejected(path, "too large")
		return 0, fmt.Errorf("file %s exceeds %d bytes", path, g.maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		g.removeRejected(path, "invalid UTF-8")
		return 0, fmt.Errorf("file %s is not valid UTF-8", path)
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		g.logger.Warn("skipping empty file", zap.String("path", path))
		return 0, nil
	}

	source := filepath.Base(path)
	title := ExtractTitle(text, source)

	if _, err := g.store.DeleteKnowledgeSource(scope, source); err != nil {
		return 0, fmt.Errorf("replace source: %w", err)
	}

	chunks := ChunkText(text, g.chunkSize, g.overlap)
	for i, content := range chunks {
		err := g.store.StoreKnowledgeChunk(&entity.KnowledgeChunk{
			Scope:      scope,
			Source:     source,
			ChunkIndex: i,
			Title:      title,
			Content:    content,
		})
		if err != nil {
			return 0, fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	g.logger.Info("ingested document",
		zap.String("source", source),
		zap.String("scope", scope),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

func (g *Ingester) removeRejected(path, reason string) {
	g.logger.Warn("rejecting ingestion file",
		zap.String("path", path), zap.String("reason", reason))
	if err := os.Remove(path); err != nil {
		g.logger.Warn("failed to remove rejected file", zap.Error(err))
	}
}

// MarkDone records a file as processed: move it to done/<scope>/ when
// keeping files, otherwise touch a marker and delete the original.
func (g *Ingester) MarkDone(path, scope string) error {
	scopeDone := filepath.Join(g.doneDir(), scope)
	if err := os.MkdirAll(scopeDone, 0o755); err != nil {
		return fmt.Errorf("create done dir: %w", err)
	}
	dest := filepath.Join(scopeDone, filepath.Base(path))

	if g.keepFiles {
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("move to done: %w", err)
		}
		return nil
	}

	marker, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("touch done marker: %w", err)
	}
	marker.Close()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove processed file: %w", err)
	}
	return nil
}

// ProcessPending scans input/<scope>/ directories and ingests every new
// supported file. Returns (files processed, chunks written).
func (g *Ingester) ProcessPending() (int, int) {
	if err := g.EnsureDirectories(); err != nil {
		g.logger.Error("ingestion directories unavailable", zap.Error(err))
		return 0, 0
	}

	scopeDirs, err := os.ReadDir(g.InputDir())
	if err != nil {
		g.logger.Error("failed to scan ingestion input", zap.Error(err))
		return 0, 0
	}

	files, chunks := 0, 0
	for _, scopeDir := range scopeDirs {
		if !scopeDir.IsDir() {
			continue
		}
		dirName := scopeDir.Name()
		// Directory names become stored scopes, so they go through the
		// same normalization as scopes arriving over the wire.
		scope := prompt.SanitizeScope(dirName)
		if scope == "" {
			g.logger.Warn("skipping unusable scope dir", zap.String("dir", dirName))
			continue
		}

		entries, err := os.ReadDir(filepath.Join(g.InputDir(), dirName))
		if err != nil {
			g.logger.Warn("failed to scan scope dir",
				zap.String("scope", scope), zap.Error(err))
			continue
		}

		for _, ent := range entries {
			if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
				continue
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(ent.Name()))] {
				continue
			}
			// Already processed in a previous pass.
			if _, err := os.Stat(filepath.Join(g.doneDir(), scope, ent.Name())); err == nil {
				continue
			}

			path := filepath.Join(g.InputDir(), dirName, ent.Name())
			n, err := g.IngestFile(path, scope)
			if err != nil {
				g.logger.Error("ingestion failed",
					zap.String("path", path), zap.Error(err))
				continue
			}
			if n > 0 {
				if err := g.MarkDone(path, scope); err != nil {
					g.logger.Error("failed to mark done",
						zap.String("path", path), zap.Error(err))
					continue
				}
				files++
				chunks += n
			}
		}
	}

	if files > 0 {
		g.logger.Info("ingestion pass complete",
			zap.Int("files", files), zap.Int("chunks", chunks))
	}
	return files, chunks
}

// WriteIncoming atomically places bytes into input/<scope>/<filename> for
// the next ingestion pass: write to a hidden temp name, then rename.
func (g *Ingester) WriteIncoming(scope, filename string, data []byte) (string, error) {
	if len(data) > g.maxBytes {
		return "", fmt.Errorf("attachment %s exceeds %d bytes", filename, g.maxBytes)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("attachment %s is not valid UTF-8", filename)
	}

	dir := filepath.Join(g.InputDir(), scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scope dir: %w", err)
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(filename)+"."+hex.EncodeToString(suffix[:])+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(filename))
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("place incoming file: %w", err)
	}
	return dest, nil
}
