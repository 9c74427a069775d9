package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Stamp records what a checkout directory holds.
type Stamp struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Revision  string    `json:"revision"`
	Commit    string    `json:"commit"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Matches reports whether the stamp describes url at revision.
func (s *Stamp) Matches(url, revision string) bool {
	return s != nil && s.URL == url && s.Revision == revision && s.Commit != ""
}

// ReadStamp loads the stamp of the checkout at dir.
func ReadStamp(dir string) (*Stamp, error) {
	data, err := os.ReadFile(dir + stampSuffix)
	if err != nil {
		return nil, err
	}
	var st Stamp
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WriteStamp replaces the stamp of the checkout at dir.
func WriteStamp(dir string, st *Stamp) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dir), filepath.Base(dir)+".stamp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dir+stampSuffix)
}

// RemoveStamp deletes the stamp of the checkout at dir, if any.
func RemoveStamp(dir string) error {
	err := os.Remove(dir + stampSuffix)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
