// Package client talks to a pakedrop server: it runs the key exchange on the
// signaling channel and moves files as encrypted frames over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/pakedrop/internal/config"
	"github.com/postalsys/pakedrop/internal/crypto"
	"github.com/postalsys/pakedrop/internal/handshake"
	"github.com/postalsys/pakedrop/internal/logging"
	"github.com/postalsys/pakedrop/internal/metrics"
	"github.com/postalsys/pakedrop/internal/protocol"
	"github.com/postalsys/pakedrop/internal/recovery"
	"github.com/postalsys/pakedrop/internal/storage"
	"github.com/postalsys/pakedrop/internal/transfer"
)

// DefaultChunkSize matches the server default.
const DefaultChunkSize = 1 << 20

// finalProgressWait bounds the wait for the terminal snapshot after the
// server has answered an upload.
const finalProgressWait = 5 * time.Second

// ErrDowngrade is returned when the server sends plaintext to a client that
// established a key.
var ErrDowngrade = errors.New("server sent an unencrypted body")

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8000.
	BaseURL string

	// Password for the key exchange. Empty uses the transfer id, which
	// only protects against parties that do not know the id.
	Password string
	Mode     handshake.Mode

	// Plaintext skips the key exchange. The server must allow it.
	Plaintext bool

	ChunkSize int
	ClientID  string

	// OnProgress receives server snapshots from the signaling channel.
	OnProgress func(protocol.Progress)
	// OnBytes receives local byte counts as chunks are processed.
	OnBytes func(done, total int64)

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client is a pakedrop client.
type Client struct {
	opts    Options
	base    *url.URL
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize > int(config.MaxChunkSize) {
		return nil, fmt.Errorf("chunk size %d exceeds %d", opts.ChunkSize, config.MaxChunkSize)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m := opts.Metrics
	if m == nil {
		// Client-side counters stay out of the process-wide registry.
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		opts:    opts,
		base:    base,
		http:    httpClient,
		metrics: m,
		logger:  logger.With(logging.KeyComponent, "client"),
	}, nil
}

func (c *Client) password(transferID string) []byte {
	if c.opts.Password != "" {
		return []byte(c.opts.Password)
	}
	return []byte(transferID)
}

func (c *Client) url(path string, query ...string) string {
	u := *c.base
	u.Path += path
	q := url.Values{}
	for i := 0; i+1 < len(query); i += 2 {
		if query[i+1] != "" {
			q.Set(query[i], query[i+1])
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) wsURL(path string, query ...string) (string, error) {
	u, err := url.Parse(c.url(path, query...))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// StatusError is a non-2xx server reply.
type StatusError struct {
	Code       int
	Message    string
	TransferID string
	State      string
}

func (e *StatusError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("server returned %d: %s (transfer %s)", e.Code, e.Message, e.State)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func readStatusError(resp *http.Response) error {
	var body struct {
		Error      string `json:"error"`
		TransferID string `json:"transfer_id"`
		State      string `json:"state"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Error, TransferID: body.TransferID, State: body.State}
}

// doJSON performs a request and decodes a JSON reply into v.
func (c *Client) doJSON(ctx context.Context, method, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Files lists the files stored on the server.
func (c *Client) Files(ctx context.Context) ([]storage.FileInfo, error) {
	var files []storage.FileInfo
	if err := c.doJSON(ctx, http.MethodGet, c.url("/files"), &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Status returns the server's snapshot of a transfer.
func (c *Client) Status(ctx context.Context, transferID string) (protocol.Progress, error) {
	var p protocol.Progress
	err := c.doJSON(ctx, http.MethodGet, c.url("/transfers/"+url.PathEscape(transferID)), &p)
	return p, err
}

// Cancel cancels a transfer.
func (c *Client) Cancel(ctx context.Context, transferID string) (protocol.Progress, error) {
	var p protocol.Progress
	err := c.doJSON(ctx, http.MethodPost, c.url("/cancel/"+url.PathEscape(transferID)), &p)
	return p, err
}

// connect establishes the signaling channel unless running in plaintext.
func (c *Client) connect(ctx context.Context, transferID string) (*Channel, error) {
	if c.opts.Plaintext {
		return nil, nil
	}
	return c.Connect(ctx, transferID)
}

// UploadRequest describes one upload.
type UploadRequest struct {
	// TransferID defaults to a fresh id.
	TransferID string
	Filename   string
	// Size is the exact content length, or 0 if unknown.
	Size int64
	Body io.Reader
}

// Upload sends a file over HTTP as encrypted frames, or as raw bytes in
// plaintext mode, and returns what the server stored.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (storage.FileInfo, error) {
	id := req.TransferID
	if id == "" {
		id = transfer.NewID()
	}
	ch, err := c.connect(ctx, id)
	if err != nil {
		return storage.FileInfo{}, err
	}
	if ch != nil {
		defer ch.Close()
	}

	encoding := protocol.EncodingPlain
	transform := transfer.PlainTransform()
	if ch != nil {
		encoding = protocol.EncodingFrames
		transform = transfer.SealTransform(ch.Codec())
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	var sink io.Writer = pw
	if ch != nil {
		sink = protocol.NewFrameWriter(pw, c.opts.ChunkSize+crypto.FrameOverhead)
	}
	proc, err := transfer.NewProcessor(transfer.NewSession(id), transfer.ProcessorConfig{
		Kind:      transfer.KindUpload,
		Total:     req.Size,
		Transform: transform,
		Sink:      sink,
		Metrics:   c.metrics,
		Logger:    c.logger,
	})
	if err != nil {
		return storage.FileInfo{}, err
	}

	produced := make(chan error, 1)
	recovery.Go(c.logger, "upload-producer", func() {
		pipeline := transfer.Pipeline{
			Source:    transfer.NewRawReader(c.countReads(req.Body, req.Size), c.opts.ChunkSize),
			Processor: proc,
		}
		_, err := pipeline.Run(ctx)
		pw.CloseWithError(err)
		produced <- err
	}, nil)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/upload",
		"transfer_id", id,
		"filename", req.Filename,
		"size", sizeParam(req.Size)), pr)
	if err != nil {
		pr.CloseWithError(err)
		<-produced
		return storage.FileInfo{}, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set(protocol.HeaderTransferEncoding, encoding)
	if c.opts.ClientID != "" {
		httpReq.Header.Set(protocol.HeaderClientID, c.opts.ClientID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		if perr := <-produced; perr != nil {
			return storage.FileInfo{}, perr
		}
		return storage.FileInfo{}, err
	}
	defer resp.Body.Close()
	pr.Close()
	<-produced

	if resp.StatusCode != http.StatusOK {
		return storage.FileInfo{}, readStatusError(resp)
	}
	var info storage.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return storage.FileInfo{}, fmt.Errorf("decode upload response: %w", err)
	}

	if ch != nil {
		waitCtx, cancel := context.WithTimeout(ctx, finalProgressWait)
		defer cancel()
		if _, err := ch.Wait(waitCtx); err != nil {
			c.logger.Debug("no final progress", logging.KeyTransferID, id, logging.KeyError, err)
		}
	}
	return info, nil
}

// UploadSignaling sends a file as upload_chunk messages over the signaling
// channel and waits for the server to finish storing it.
func (c *Client) UploadSignaling(ctx context.Context, req UploadRequest) (protocol.Progress, error) {
	if c.opts.Plaintext {
		return protocol.Progress{}, errors.New("signaling uploads require a key exchange")
	}
	id := req.TransferID
	if id == "" {
		id = transfer.NewID()
	}
	ch, err := c.Connect(ctx, id)
	if err != nil {
		return protocol.Progress{}, err
	}
	defer ch.Close()

	body := c.countReads(req.Body, req.Size)
	if _, err := ch.SendChunks(ctx, req.Filename, body, req.Size, c.opts.ChunkSize); err != nil {
		return ch.Last(), err
	}

	final, err := ch.Wait(ctx)
	if err != nil {
		return final, err
	}
	if final.State != transfer.StateCompleted.String() {
		return final, fmt.Errorf("upload %s: %s", final.State, final.Message)
	}
	return final, nil
}

// DownloadRequest describes one download.
type DownloadRequest struct {
	TransferID string
	Filename   string
	Dest       io.Writer
}

// Download fetches a file into req.Dest and returns the number of bytes
// written.
func (c *Client) Download(ctx context.Context, req DownloadRequest) (int64, error) {
	id := req.TransferID
	if id == "" {
		id = transfer.NewID()
	}
	ch, err := c.connect(ctx, id)
	if err != nil {
		return 0, err
	}
	if ch != nil {
		defer ch.Close()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/download/"+url.PathEscape(req.Filename), "transfer_id", id), nil)
	if err != nil {
		return 0, err
	}
	if c.opts.ClientID != "" {
		httpReq.Header.Set(protocol.HeaderClientID, c.opts.ClientID)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readStatusError(resp)
	}

	size, err := strconv.ParseInt(resp.Header.Get(protocol.HeaderFileSize), 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid %s header", protocol.HeaderFileSize)
	}

	var (
		source    transfer.ChunkReader
		transform transfer.Transform
	)
	switch enc := resp.Header.Get(protocol.HeaderTransferEncoding); {
	case enc == protocol.EncodingFrames && ch != nil:
		source = protocol.NewFrameReader(resp.Body, int(config.MaxChunkSize)+crypto.FrameOverhead)
		transform = transfer.OpenTransform(ch.Codec())
	case enc == protocol.EncodingPlain && ch == nil:
		source = transfer.NewRawReader(resp.Body, c.opts.ChunkSize)
		transform = transfer.PlainTransform()
	case enc == protocol.EncodingPlain:
		return 0, ErrDowngrade
	default:
		return 0, fmt.Errorf("unexpected transfer encoding %q", enc)
	}

	proc, err := transfer.NewProcessor(transfer.NewSession(id), transfer.ProcessorConfig{
		Kind:      transfer.KindDownload,
		Total:     size,
		Transform: transform,
		Sink:      c.countBytes(req.Dest, size),
		Metrics:   c.metrics,
		Logger:    c.logger,
	})
	if err != nil {
		return 0, err
	}
	pipeline := transfer.Pipeline{Source: source, Processor: proc}
	if _, err := pipeline.Run(ctx); err != nil {
		return proc.Done(), err
	}
	return proc.Done(), nil
}

func sizeParam(size int64) string {
	if size <= 0 {
		return ""
	}
	return strconv.FormatInt(size, 10)
}

func (c *Client) countBytes(w io.Writer, total int64) io.Writer {
	if c.opts.OnBytes == nil {
		return w
	}
	return &countingWriter{w: w, total: total, fn: c.opts.OnBytes}
}

func (c *Client) countReads(r io.Reader, total int64) io.Reader {
	if c.opts.OnBytes == nil {
		return r
	}
	return &countingReader{r: r, total: total, fn: c.opts.OnBytes}
}

// countingWriter reports plaintext bytes as they pass.
type countingWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    func(done, total int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.done += int64(n)
	cw.fn(cw.done, cw.total)
	return n, err
}

type countingReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.done += int64(n)
	cr.fn(cr.done, cr.total)
	return n, err
}
