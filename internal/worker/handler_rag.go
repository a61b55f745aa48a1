package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/models"
	"chatpilot/internal/store"
)

// RAGHandler ingests a knowledge-base document: raw bytes to object
// storage, then the indexed flag on the row.
type RAGHandler struct {
	documents DocumentStore
	uploader  ObjectUploader
	log       *zap.Logger
}

// NewRAGHandler wires the document indexing handler.
func NewRAGHandler(documents DocumentStore, uploader ObjectUploader, log *zap.Logger) *RAGHandler {
	return &RAGHandler{documents: documents, uploader: uploader, log: log}
}

func (h *RAGHandler) Handle(ctx context.Context, job models.Job) error {
	var p models.RAGIndexingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed indexing payload: %v", ErrSkip, err)
	}

	doc, err := h.documents.GetDocument(ctx, p.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: document %s deleted", ErrSkip, p.DocumentID)
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status == models.DocumentIndexed {
		// A retried attempt after a crash-before-ack lands here.
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(p.FileBuffer)
	if err != nil {
		return fmt.Errorf("%w: file buffer is not valid base64: %v", ErrSkip, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty file buffer", ErrSkip)
	}

	key := fmt.Sprintf("documents/%s/%s", p.TenantID, p.DocumentID)
	if h.uploader != nil {
		if err := h.uploader.Upload(ctx, key, p.MimeType, data); err != nil {
			if job.Attempts+1 >= job.MaxAttempts {
				// No retries left; don't leave the row pending forever.
				_ = h.documents.MarkDocumentFailed(ctx, p.DocumentID)
			}
			return fmt.Errorf("upload document: %w", err)
		}
	}

	if err := h.documents.MarkDocumentIndexed(ctx, p.DocumentID, key); err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}

	h.log.Debug("document indexed",
		zap.String("document_id", p.DocumentID),
		zap.Int("bytes", len(data)),
		zap.String("mime_type", p.MimeType))
	return nil
}
