package storage

import "testing"

func TestNewMinIOStorageValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinIOConfig
	}{
		{name: "missing endpoint", cfg: MinIOConfig{AccessKey: "a", SecretKey: "s"}},
		{name: "missing access key", cfg: MinIOConfig{Endpoint: "localhost:9000", SecretKey: "s"}},
		{name: "missing secret key", cfg: MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMinIOStorage(tt.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	s, err := NewMinIOStorage(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"})
	if err != nil || s == nil {
		t.Fatalf("NewMinIOStorage = %v, %v", s, err)
	}
}
