package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind string
		wantErr  bool
	}{
		{"handshake", `{"type":"handshake","message":"QQ=="}`, TypeHandshake, false},
		{"cancel action", `{"action":"cancel"}`, ActionCancel, false},
		{"upload chunk", `{"action":"upload_chunk","iv":"","progress":3}`, ActionUploadChunk, false},
		{"not json", `hello`, "", true},
		{"array", `[1,2]`, "", true},
		{"no discriminator", `{"progress":1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Parse() error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if m.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", m.Kind(), tt.wantKind)
			}
		})
	}
}

func TestMessage_Decode(t *testing.T) {
	m, err := Marshal(KeyParams{
		Type:    TypeKeyParams,
		Salt:    []byte{1, 2, 3},
		Label:   "file_encryption",
		Confirm: []byte{9, 9},
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if m.Type != TypeKeyParams {
		t.Fatalf("Type = %q", m.Type)
	}

	var kp KeyParams
	if err := m.Decode(&kp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(kp.Salt, []byte{1, 2, 3}) || kp.Label != "file_encryption" {
		t.Errorf("decoded %+v", kp)
	}
}

func TestMessage_DecodeWrongShape(t *testing.T) {
	m, err := Parse([]byte(`{"type":"handshake","message":"not base64!"}`))
	if err != nil {
		t.Fatal(err)
	}
	var hs Handshake
	if err := m.Decode(&hs); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode() error = %v, want ErrMalformed", err)
	}
}

func TestUploadChunk_Progress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{"integer", `{"action":"upload_chunk","filename":"a","progress":40}`, 40},
		{"fractional", `{"action":"upload_chunk","filename":"a","progress":12.5}`, 12.5},
		{"exponent", `{"action":"upload_chunk","filename":"a","progress":9.75e1}`, 97.5},
		{"missing", `{"action":"upload_chunk","filename":"a"}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.input))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			var chunk UploadChunk
			if err := m.Decode(&chunk); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if chunk.Progress != tt.want {
				t.Errorf("Progress = %v, want %v", chunk.Progress, tt.want)
			}
		})
	}

	data, err := json.Marshal(Progress{Type: TypeProgress, Progress: 33.5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"progress":33.5`) {
		t.Errorf("fractional progress lost: %s", data)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, err := json.Marshal(UploadChunk{
		Action:     ActionUploadChunk,
		IV:         []byte{1},
		Ciphertext: []byte{2},
		Tag:        []byte{3},
		Filename:   "a.txt",
		Progress:   50,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"action":"upload_chunk"`, `"iv":"AQ=="`, `"ciphertext":"Ag=="`, `"tag":"Aw=="`, `"filename":"a.txt"`, `"progress":50`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("upload_chunk JSON %s missing %s", data, field)
		}
	}

	data, err = json.Marshal(Progress{Type: TypeProgress, Progress: 0, Message: "Pending"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"progress":0`) {
		t.Errorf("zero progress omitted: %s", data)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("empty error not omitted: %s", data)
	}
}

func TestProgress_Terminal(t *testing.T) {
	tests := []struct {
		p    Progress
		want bool
	}{
		{Progress{}, false},
		{Progress{Completed: true}, true},
		{Progress{Canceled: true}, true},
		{Progress{Completed: true, Error: "disk full"}, true},
	}
	for _, tt := range tests {
		if got := tt.p.Terminal(); got != tt.want {
			t.Errorf("%+v.Terminal() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestFrameReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, 64)

	frames := [][]byte{[]byte("first"), bytes.Repeat([]byte{7}, 64), []byte("x")}
	for _, f := range frames {
		if err := fw.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	if got := buf.Bytes()[:LengthSize]; !bytes.Equal(got, []byte{0, 0, 0, 5}) {
		t.Errorf("length prefix = %v, want big-endian 5", got)
	}

	fr := NewFrameReader(&buf, 64)
	for i, want := range frames {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Errorf("after last frame error = %v, want io.EOF", err)
	}
}

func TestFrameWriter_Limits(t *testing.T) {
	fw := NewFrameWriter(io.Discard, 8)
	if err := fw.WriteFrame(make([]byte, 9)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame error = %v, want ErrFrameTooLarge", err)
	}
	if err := fw.WriteFrame(nil); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("empty frame error = %v, want ErrInvalidFrame", err)
	}
	if n, err := fw.Write([]byte("abc")); err != nil || n != 3 {
		t.Errorf("Write() = %d, %v", n, err)
	}
}

func TestFrameReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"truncated header", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"truncated payload", []byte{0, 0, 0, 5, 'a', 'b'}, io.ErrUnexpectedEOF},
		{"header only", []byte{0, 0, 0, 5}, io.ErrUnexpectedEOF},
		{"too large", []byte{0, 0, 1, 0}, ErrFrameTooLarge},
		{"zero length", []byte{0, 0, 0, 0}, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewFrameReader(bytes.NewReader(tt.input), 16)
			if _, err := fr.ReadFrame(); !errors.Is(err, tt.want) {
				t.Errorf("ReadFrame() error = %v, want %v", err, tt.want)
			}
		})
	}
}
