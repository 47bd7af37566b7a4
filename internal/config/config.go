package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a JSON object on disk used as durable key/value settings.
// Every Set is written through.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// AppPath returns the default settings file location.
func AppPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("AppPath: failed to get config dir due to error %w", err)
	}

	return filepath.Join(oscfg, "castsession", "settings.json"), nil
}

// OpenFileStore loads the settings at path, creating the file with an empty
// object when it does not exist. An empty path uses AppPath.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := AppPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	s := &FileStore{path: path, values: make(map[string]string)}

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("OpenFileStore: failed to open settings due to error %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("OpenFileStore: failed to create settings dir due to error %w", err)
		}
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.values); err != nil {
		return nil, fmt.Errorf("OpenFileStore: failed to decode settings due to error %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}

	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the value stored under key.
func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key and persists the file. An empty value removes
// the key.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}

	if err := s.save(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) save() error {
	b, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("FileStore: failed to marshal json due to error %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("FileStore: failed to save settings due to error %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("FileStore: failed to replace settings due to error %w", err)
	}

	return nil
}
