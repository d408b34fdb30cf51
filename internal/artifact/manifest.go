package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ErrIncomplete is returned by Verify for a directory that is not a complete
// artifact set.
var ErrIncomplete = eris.New("artifact: run directory is incomplete")

// Manifest lists the files of a run directory. It is written last.
type Manifest struct {
	RunID     string      `yaml:"run_id" json:"run_id"`
	CreatedAt time.Time   `yaml:"created_at" json:"created_at"`
	Files     []FileEntry `yaml:"files" json:"files"`
	Complete  bool        `yaml:"complete" json:"complete"`
}

// FileEntry is the checksum and size of one artifact file.
type FileEntry struct {
	Name   string `yaml:"name" json:"name"`
	SHA256 string `yaml:"sha256" json:"sha256"`
	Size   int64  `yaml:"size" json:"size"`
}

func (m *Manifest) encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return eris.Wrap(err, "artifact: encode manifest")
	}
	return enc.Close()
}

// ReadManifest loads the manifest of a run directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileManifest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(ErrIncomplete, "artifact: %s has no manifest", dir)
		}
		return nil, eris.Wrap(err, "artifact: read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(ErrIncomplete, "artifact: parse manifest: %v", err)
	}
	return &m, nil
}

// Verify checks that dir holds a manifest marked complete that lists every
// artifact file, and that each file's size and checksum match.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !m.Complete {
		return m, eris.Wrap(ErrIncomplete, "artifact: manifest not marked complete")
	}

	listed := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		listed[f.Name] = f
	}
	for _, name := range []string{FileFolds, FileCoefficients, FileSummary} {
		if _, ok := listed[name]; !ok {
			return m, eris.Wrapf(ErrIncomplete, "artifact: manifest does not list %s", name)
		}
	}

	for _, f := range m.Files {
		size, sum, err := checksum(filepath.Join(dir, f.Name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return m, eris.Wrapf(ErrIncomplete, "artifact: %s is missing", f.Name)
			}
			return m, eris.Wrapf(err, "artifact: read %s", f.Name)
		}
		if size != f.Size || sum != f.SHA256 {
			return m, eris.Wrapf(ErrIncomplete, "artifact: %s does not match manifest", f.Name)
		}
	}
	return m, nil
}

func checksum(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
