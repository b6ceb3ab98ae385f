package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/candorlabs/candor/internal/appdir"
)

// FileStore keeps credentials in 0600 files under a credentials/
// subdirectory of the Candor data directory. It is the fallback on
// platforms without a native keychain.
type FileStore struct {
	mu sync.Mutex

	// dir overrides the credentials directory; used by tests.
	dir string
}

const credentialsDirName = "credentials"

func (f *FileStore) path(service, account string) (string, error) {
	dir := f.dir
	if dir == "" {
		base, err := appdir.Dir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, credentialsDirName)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	name := strings.ToLower(service) + "-" + strings.ToLower(account)
	return filepath.Join(dir, name), nil
}

// Get reads the credential file for service/account.
func (f *FileStore) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.path(service, account)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Set writes the credential file for service/account with mode 0600.
func (f *FileStore) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.path(service, account)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value+"\n"), 0600)
}

// Delete removes the credential file for service/account.
func (f *FileStore) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path, err := f.path(service, account)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
