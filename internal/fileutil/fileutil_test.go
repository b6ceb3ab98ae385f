package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadJSON(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    testRecord
		wantErr bool
	}{
		{
			name:    "valid record",
			content: `{"name":"alerts","count":3}`,
			want:    testRecord{Name: "alerts", Count: 3},
		},
		{
			name:    "invalid json",
			content: `{not json`,
			wantErr: true,
		},
		{
			name:    "empty file",
			content: ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("write fixture: %v", err)
			}

			var got testRecord
			err := ReadJSON(path, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ReadJSON() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReadJSON_MissingFile(t *testing.T) {
	var got testRecord
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	if !os.IsNotExist(err) {
		t.Errorf("ReadJSON() on missing file = %v, want os.IsNotExist", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	if err := WriteJSONAtomic(path, testRecord{Name: "tabs", Count: 2}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}

	var got testRecord
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Name != "tabs" || got.Count != 2 {
		t.Errorf("round trip = %+v", got)
	}

	// Overwrite must also succeed and leave no temp files behind.
	if err := WriteJSONAtomic(path, testRecord{Name: "tabs", Count: 3}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic() overwrite error = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries after overwrite, want 1", len(entries))
	}
}
