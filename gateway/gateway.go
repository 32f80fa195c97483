// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves stored and in-flight files over plain HTTP,
// for consumers that want a download URL instead of the piece
// protocol. Whole-file downloads are only served once every piece has
// verified; individual pieces are served as soon as they are.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/pieceline/pieceline/lib/blobstore"
	"github.com/pieceline/pieceline/lib/metastore"
	"github.com/pieceline/pieceline/transfer"
)

// Gateway is the HTTP read surface over the transfer service.
type Gateway struct {
	service *transfer.Service
	blobs   *blobstore.Store
	logger  *slog.Logger
}

// New creates a gateway.
func New(service *transfer.Service, blobs *blobstore.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{service: service, blobs: blobs, logger: logger}
}

// Handler returns the routed, compression-wrapped handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/files", g.handleList)
	mux.HandleFunc("GET /v1/files/{id}", g.handleDownload)
	mux.HandleFunc("GET /v1/files/{id}/manifest", g.handleManifest)
	mux.HandleFunc("GET /v1/files/{id}/pieces/{index}", g.handlePiece)
	return gzhttp.GzipHandler(mux)
}

type fileEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type,omitempty"`
	PieceSize  int64     `json:"piece_size"`
	PieceCount int       `json:"piece_count"`
	Complete   bool      `json:"complete"`
	CreatedAt  time.Time `json:"created_at"`
}

func toEntry(desc metastore.FileDescriptor) fileEntry {
	return fileEntry{
		ID:         desc.ID,
		Name:       desc.Name,
		Size:       desc.DeclaredSize,
		MimeType:   desc.MimeType,
		PieceSize:  desc.PieceSize,
		PieceCount: desc.PieceCount,
		Complete:   desc.Complete,
		CreatedAt:  desc.CreatedAt,
	}
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := g.service.ListFiles(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	entries := make([]fileEntry, 0, len(files))
	for _, desc := range files {
		entries = append(entries, toEntry(desc))
	}
	g.writeJSON(w, http.StatusOK, entries)
}

type manifest struct {
	fileEntry
	CompleteIndices []int           `json:"complete_indices"`
	Pieces          []manifestPiece `json:"pieces"`
}

type manifestPiece struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Hash   string `json:"hash,omitempty"`
}

func (g *Gateway) handleManifest(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	info, err := g.service.Snapshot(r.Context(), fileID)
	if err != nil {
		g.fail(w, err)
		return
	}
	rows, err := g.service.PieceRows(r.Context(), fileID)
	if err != nil {
		g.fail(w, err)
		return
	}

	m := manifest{
		fileEntry:       toEntry(info.Descriptor),
		CompleteIndices: info.CompleteIndices,
		Pieces:          make([]manifestPiece, 0, len(rows)),
	}
	for _, row := range rows {
		piece := manifestPiece{
			Index:  row.Index,
			Offset: row.Offset,
			Length: row.Length,
		}
		if row.Complete {
			piece.Hash = row.Hash.String()
		}
		m.Pieces = append(m.Pieces, piece)
	}
	g.writeJSON(w, http.StatusOK, m)
}

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	info, err := g.service.Snapshot(r.Context(), fileID)
	if err != nil {
		g.fail(w, err)
		return
	}
	if !info.Complete {
		// The bytes exist only piecewise; the whole file is not a
		// coherent artifact yet.
		g.failStatus(w, http.StatusTooEarly, "transfer still in progress")
		return
	}

	file, err := g.blobs.OpenFile(fileID)
	if err != nil {
		g.fail(w, err)
		return
	}
	defer file.Close()

	if info.Descriptor.MimeType != "" {
		w.Header().Set("Content-Type", info.Descriptor.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Descriptor.Name))
	http.ServeContent(w, r, info.Descriptor.Name, info.Descriptor.CreatedAt, file)
}

func (g *Gateway) handlePiece(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		g.failStatus(w, http.StatusBadRequest, "piece index must be an integer")
		return
	}

	data, hash, err := g.service.Piece(r.Context(), fileID, index)
	if err != nil {
		g.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Piece-Hash", hash.String())
	w.Write(data)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

type errorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (g *Gateway) failStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Message: message})
}

// fail maps a service error onto an HTTP status. A valid piece whose
// bytes are not verified yet is 425: the request is fine, it is just
// too early.
func (g *Gateway) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch transfer.ErrKind(err) {
	case transfer.KindNotFound:
		status = http.StatusNotFound
	case transfer.KindNotReady:
		status = http.StatusTooEarly
	case transfer.KindValidation:
		status = http.StatusBadRequest
	case transfer.KindConflict:
		status = http.StatusConflict
	case transfer.KindQuota:
		status = http.StatusInsufficientStorage
	}
	if errors.Is(err, metastore.ErrNotFound) {
		status = http.StatusNotFound
	}

	body := errorBody{Kind: string(transfer.ErrKind(err)), Message: err.Error()}
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		body.Message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
