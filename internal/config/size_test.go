package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},
		{"10KB", 10_000, false},
		{"10KiB", 10 * 1024, false},
		{"1MiB", 1 << 20, false},
		{"1.5GiB", 3 << 29, false},
		{" 2MB ", 2_000_000, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestByteSize_String(t *testing.T) {
	tests := []struct {
		size ByteSize
		want string
	}{
		{0, "0 B"},
		{1 << 20, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
		{-1, "-1 B"},
	}
	for _, tt := range tests {
		if got := tt.size.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", tt.size, got, tt.want)
		}
	}
}

func TestByteSize_YAML(t *testing.T) {
	type doc struct {
		Size ByteSize `yaml:"size"`
	}

	for _, size := range []ByteSize{0, 1 << 20, 1_500_000, 12345} {
		data, err := yaml.Marshal(doc{Size: size})
		if err != nil {
			t.Fatalf("Marshal(%d) error = %v", size, err)
		}
		var out doc
		if err := yaml.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal(%q) error = %v", data, err)
		}
		if out.Size != size {
			t.Errorf("round trip of %d gave %d (yaml %q)", size, out.Size, data)
		}
	}

	var out doc
	if err := yaml.Unmarshal([]byte("size: 4096\n"), &out); err != nil || out.Size != 4096 {
		t.Errorf("integer form = %d, %v", out.Size, err)
	}
}
