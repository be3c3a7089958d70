package cache

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	filePerm os.FileMode = 0644
	dirPerm  os.FileMode = 0755
)

// save writes the current summary to the summary file
// The file is replaced through a rename so a crash never leaves a torn record
// Make sure to execute this when the summary is locked
func (s *Summary) save() error {
	data, err := json.MarshalIndent(s.lanes, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary to json")
	}
	tmp := s.filePath + ".tmp"
	err = os.WriteFile(tmp, data, filePerm)
	if err != nil {
		return errors.Wrap(err, "failed to write summary file")
	}
	err = os.Rename(tmp, s.filePath)
	if err != nil {
		return errors.Wrap(err, "failed to replace summary file")
	}
	return nil
}

// read reads the summary file into the in memory lanes
func (s *Summary) read() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return errors.Wrap(err, "failed to read summary file")
	}

	if len(data) == 0 || string(data) == "{}" || string(data) == "[]" {
		return nil
	}
	lanes := map[ArtifactType]*Lane{}
	err = json.Unmarshal(data, &lanes)
	if err != nil {
		return errors.Wrap(err, "failed to parse data from summary file")
	}
	for t, l := range lanes {
		if !t.Queued() || l == nil {
			continue
		}
		s.lanes[t] = l
	}

	return nil
}

// ensureFile ensures that the summary file and its directory exist
func (s *Summary) ensureFile() error {
	err := os.MkdirAll(filepath.Dir(s.filePath), dirPerm)
	if err != nil {
		return errors.Wrap(err, "failed to create summary directory")
	}
	file, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, filePerm)
	if err != nil {
		return errors.Wrap(err, "something went wrong creating/reading summary file")
	}

	return file.Close()
}
