// Package report exports session result blocks as downloadable markdown files.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContentType is attached to every exported block.
const ContentType = "text/markdown; charset=utf-8"

// BlobStore persists report files and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// FileName returns the download name of the block at zero-based index.
func FileName(index int) string {
	return fmt.Sprintf("report_%d.md", index+1)
}

// Exporter writes result blocks below Prefix/<session id>/.
type Exporter struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// NewExporter validates dependencies and returns an Exporter.
func NewExporter(store BlobStore, prefix string, logger *zap.Logger) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("report"),
	}, nil
}

// ObjectPath returns the store path for block index of a session.
func (e *Exporter) ObjectPath(sessionID uuid.UUID, index int) string {
	return path.Join(e.prefix, sessionID.String(), FileName(index))
}

// ExportBlock writes one block and returns its URI.
func (e *Exporter) ExportBlock(ctx context.Context, sessionID uuid.UUID, index int, content string) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("block index %d out of range", index)
	}
	objectPath := e.ObjectPath(sessionID, index)
	uri, err := e.store.PutObject(ctx, objectPath, ContentType, strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", objectPath, err)
	}
	e.logger.Debug("report block exported",
		zap.Stringer("session_id", sessionID),
		zap.Int("index", index),
		zap.String("uri", uri))
	return uri, nil
}

// Export writes every block in order and returns the URIs. It stops at the
// first failure and returns the URIs written so far alongside the error.
func (e *Exporter) Export(ctx context.Context, sessionID uuid.UUID, blocks []string) ([]string, error) {
	uris := make([]string, 0, len(blocks))
	for i, block := range blocks {
		if err := ctx.Err(); err != nil {
			return uris, fmt.Errorf("export canceled: %w", err)
		}
		uri, err := e.ExportBlock(ctx, sessionID, i, block)
		if err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	e.logger.Info("report exported",
		zap.Stringer("session_id", sessionID),
		zap.Int("blocks", len(uris)))
	return uris, nil
}
