package protocol

// HTTP headers on upload and download requests.
const (
	HeaderTransferID       = "X-Transfer-ID"
	HeaderTransferEncoding = "X-Transfer-Encoding"
	HeaderFileSize         = "X-File-Size"
	HeaderClientID         = "X-Client-ID"
)

// Transfer body encodings.
const (
	// EncodingFrames is a sequence of length-prefixed encrypted frames.
	EncodingFrames = "frames"
	// EncodingPlain is the raw file content, used only when the server
	// allows unencrypted transfers and no key was established.
	EncodingPlain = "plain"
)
