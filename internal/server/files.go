package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// transferCodec picks the body encoding for a session. A session with a key
// uses encrypted frames; otherwise the transfer runs in plaintext if the
// server allows it. Once a session has switched to plaintext it no longer
// accepts a key.
func (s *Server) transferCodec(session *transfer.Session) (string, *crypto.Codec, error) {
	if km := session.Key(); km != nil {
		key := km.TransportKey()
		codec, err := crypto.NewCodec(key)
		crypto.ZeroBytes(key)
		if err != nil {
			return "", nil, err
		}
		return protocol.EncodingFrames, codec, nil
	}
	if !s.cfg.Transfer.AllowPlaintext {
		return "", nil, transfer.ErrNoKey
	}
	switched, err := session.UsePlaintext()
	if err != nil {
		return "", nil, err
	}
	if switched {
		s.metrics.RecordPlaintextTransfer()
	}
	return protocol.EncodingPlain, nil, nil
}

// transferID returns the requested transfer id, or a fresh one.
func transferID(r *http.Request) (string, error) {
	id := r.URL.Query().Get("transfer_id")
	if id == "" {
		return transfer.NewID(), nil
	}
	return id, transfer.ValidateID(id)
}

// handleUpload stores the request body as a file.
// POST /upload?transfer_id=&filename=&size=
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := transferID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set(protocol.HeaderTransferID, id)

	filename := q.Get("filename")
	if filename == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "filename is required", TransferID: id})
		return
	}
	var size int64
	if v := q.Get("size"); v != "" {
		size, err = strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid size", TransferID: id})
			return
		}
	}

	session, err := s.registry.GetOrCreate(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	encoding, codec, err := s.transferCodec(session)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if codec != nil {
		defer codec.Close()
	}
	if want := r.Header.Get(protocol.HeaderTransferEncoding); want != "" && want != encoding {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:      fmt.Sprintf("transfer encoding mismatch: server expects %s", encoding),
			TransferID: id,
		})
		return
	}

	upload, err := s.store.Create(filename, id, size)
	if err != nil {
		s.writeError(w, err)
		return
	}

	transform := transfer.PlainTransform()
	if codec != nil {
		transform = transfer.OpenTransform(codec)
	}
	proc, err := transfer.NewProcessor(session, transfer.ProcessorConfig{
		Kind:      transfer.KindUpload,
		Total:     size,
		Transform: transform,
		Sink:      upload,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		upload.Abort()
		s.writeError(w, err)
		return
	}

	body := s.throttle.Reader(r.Context(), r.Body)
	var source transfer.ChunkReader
	if codec != nil {
		source = protocol.NewFrameReader(body, s.cfg.FrameLimit())
	} else {
		source = transfer.NewRawReader(body, int(s.cfg.Transfer.ChunkSize))
	}

	pipeline := transfer.Pipeline{Source: source, Processor: proc}
	if _, err := pipeline.Run(r.Context()); err != nil {
		upload.Abort()
		s.writeTransferError(w, session, err)
		return
	}

	info, err := upload.Commit(r.Context(), codec != nil)
	if err != nil {
		s.logger.Error("upload commit failed",
			logging.KeyTransferID, id,
			logging.KeyFilename, upload.Name(),
			logging.KeyError, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store file", TransferID: id})
		return
	}

	s.announceUpload(info, r.Header.Get(protocol.HeaderClientID))
	writeJSON(w, http.StatusOK, info)
}

// handleDownload streams a stored file.
// GET /download/{filename}?transfer_id=
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	f, err := s.store.Open(r.Context(), r.PathValue("filename"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()

	session, err := s.registry.GetOrCreate(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	encoding, codec, err := s.transferCodec(session)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if codec != nil {
		defer codec.Close()
	}

	out := s.throttle.Writer(r.Context(), w)
	var (
		sink      io.Writer = out
		transform           = transfer.PlainTransform()
	)
	if codec != nil {
		sink = protocol.NewFrameWriter(out, s.cfg.FrameLimit())
		transform = transfer.SealTransform(codec)
	}

	proc, err := transfer.NewProcessor(session, transfer.ProcessorConfig{
		Kind:      transfer.KindDownload,
		Total:     f.Info.Size,
		Transform: transform,
		Sink:      sink,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	h := w.Header()
	h.Set(protocol.HeaderTransferID, id)
	h.Set(protocol.HeaderTransferEncoding, encoding)
	h.Set(protocol.HeaderFileSize, strconv.FormatInt(f.Info.Size, 10))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Info.Name}))
	w.WriteHeader(http.StatusOK)

	pipeline := transfer.Pipeline{
		Source:    transfer.NewRawReader(f, int(s.cfg.Transfer.ChunkSize)),
		Processor: proc,
	}
	// The status line is already out; the client detects a short body.
	if _, err := pipeline.Run(r.Context()); err != nil && !errors.Is(err, transfer.ErrCanceled) {
		s.logger.Warn("download aborted",
			logging.KeyTransferID, id,
			logging.KeyFilename, f.Info.Name,
			logging.KeyError, err)
	}
}
