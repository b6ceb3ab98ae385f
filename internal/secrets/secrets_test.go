package secrets

import (
	"errors"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	fs := &FileStore{dir: t.TempDir()}

	if _, err := fs.Get(ServiceName, AccountBearerToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store = %v, want ErrNotFound", err)
	}

	if err := fs.Set(ServiceName, AccountBearerToken, "tok-abc"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := fs.Get(ServiceName, AccountBearerToken)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok-abc" {
		t.Errorf("Get() = %q, want %q", got, "tok-abc")
	}

	// Overwrite replaces the value.
	if err := fs.Set(ServiceName, AccountBearerToken, "tok-def"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, _ = fs.Get(ServiceName, AccountBearerToken)
	if got != "tok-def" {
		t.Errorf("Get() after overwrite = %q", got)
	}

	if err := fs.Delete(ServiceName, AccountBearerToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := fs.Delete(ServiceName, AccountBearerToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}
