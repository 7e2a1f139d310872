package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/server"
)

// jobFile is the document layout for job import: a top-level "jobs" list.
type jobFile struct {
	Jobs []server.JobRequest `json:"jobs" toml:"jobs" yaml:"jobs"`
}

// readJobFile decodes path by extension.
func readJobFile(path string) ([]server.JobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return decodeJobs(filepath.Ext(path), data)
}

func decodeJobs(ext string, data []byte) ([]server.JobRequest, error) {
	var doc jobFile
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, errors.WithHint(
				errors.Wrap(errors.ErrInvalidRequest, err.Error()),
				"jobs are listed as [[jobs]] tables")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewInvalidRequestError("unknown field %s", undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported job file extension %q (use .toml, .yaml or .json)", ext)
	}
	return doc.Jobs, nil
}
