// Package bundle reads DNA bundles: a YAML manifest naming each zome's code
// location, optionally packed together with the resources it references.
package bundle

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cellhost/internal/cell"
)

var (
	ErrBundledPathNotInManifest = errors.New("bundled resource not listed in manifest")
	ErrBundledResourceMissing   = errors.New("bundled resource missing")
	ErrInvalidLocation          = errors.New("location must set exactly one of bundled, path, url")
)

// Location says where a resource lives: inside the bundle, on the local
// filesystem, or at a remote URL.
type Location struct {
	Bundled string `yaml:"bundled,omitempty" json:"bundled,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
}

func (l Location) Validate() error {
	n := 0
	for _, s := range []string{l.Bundled, l.Path, l.URL} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return ErrInvalidLocation
	}
	return nil
}

func (l Location) String() string {
	switch {
	case l.Bundled != "":
		return "bundled:" + l.Bundled
	case l.Path != "":
		return "path:" + l.Path
	case l.URL != "":
		return "url:" + l.URL
	}
	return "<empty>"
}

type Zome struct {
	Name     string   `yaml:"name"`
	Location Location `yaml:",inline"`
	// Hash is an optional hex blake3 of the zome code.
	Hash string `yaml:"hash,omitempty"`
}

type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Zomes       []Zome `yaml:"zomes"`
}

func (m Manifest) Locations() []Location {
	out := make([]Location, 0, len(m.Zomes))
	for _, z := range m.Zomes {
		out = append(out, z.Location)
	}
	return out
}

func (m Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("manifest name is required"))
	}
	if len(m.Zomes) == 0 {
		errs = append(errs, errors.New("manifest lists no zomes"))
	}
	seen := make(map[string]bool)
	for i, z := range m.Zomes {
		if z.Name == "" {
			errs = append(errs, fmt.Errorf("zomes[%d]: name is required", i))
		} else if seen[z.Name] {
			errs = append(errs, fmt.Errorf("zomes[%d]: duplicate zome %q", i, z.Name))
		}
		seen[z.Name] = true
		if err := z.Location.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("zomes[%d] %q: %w", i, z.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Bundle is a manifest plus the resources packed with it.
type Bundle struct {
	Manifest  Manifest
	Resources map[string][]byte
}

// New checks that every resource is named by a bundled location in m.
func New(m Manifest, resources map[string][]byte) (*Bundle, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	listed := make(map[string]bool)
	for _, loc := range m.Locations() {
		if loc.Bundled != "" {
			listed[cleanPath(loc.Bundled)] = true
		}
	}
	res := make(map[string][]byte, len(resources))
	for p, b := range resources {
		p = cleanPath(p)
		if !listed[p] {
			return nil, fmt.Errorf("%w: %s", ErrBundledPathNotInManifest, p)
		}
		res[p] = b
	}
	return &Bundle{Manifest: m, Resources: res}, nil
}

func cleanPath(p string) string { return path.Clean(filepath.ToSlash(p)) }

type encoded struct {
	Manifest  Manifest          `yaml:"manifest"`
	Resources map[string]string `yaml:"resources,omitempty"`
}

// Encode renders the bundle as a single YAML document with base64 resources.
func (b *Bundle) Encode() ([]byte, error) {
	e := encoded{Manifest: b.Manifest, Resources: make(map[string]string, len(b.Resources))}
	for p, data := range b.Resources {
		e.Resources[p] = base64.StdEncoding.EncodeToString(data)
	}
	return yaml.Marshal(e)
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (*Bundle, error) {
	var e encoded
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	res := make(map[string][]byte, len(e.Resources))
	for p, s := range e.Resources {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode bundle resource %q: %w", p, err)
		}
		res[p] = b
	}
	return New(e.Manifest, res)
}

// ReadFile loads an encoded bundle from disk.
func ReadFile(p string) (*Bundle, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return Decode(data)
}

// Pack reads a bare manifest file and packs every bundled resource it lists,
// reading them relative to the manifest's directory.
func Pack(manifestPath string) (*Bundle, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	dir := filepath.Dir(manifestPath)
	res := make(map[string][]byte)
	for _, loc := range m.Locations() {
		if loc.Bundled == "" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(loc.Bundled)))
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", loc.Bundled, err)
		}
		res[loc.Bundled] = b
	}
	return New(m, res)
}

// Checksum is the hex blake3 of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against an expected hex blake3.
func VerifyChecksum(name string, data []byte, want string) error {
	if got := Checksum(data); got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, want, got)
	}
	return nil
}

// DnaHash identifies a DNA by its name and the code of each zome, so two
// bundles with identical code share a hash however they were packaged.
func DnaHash(m Manifest, code map[string][]byte) cell.DnaHash {
	names := make([]string, 0, len(code))
	for n := range code {
		names = append(names, n)
	}
	sort.Strings(names)

	h := blake3.New()
	_, _ = h.Write([]byte(m.Name))
	_, _ = h.Write([]byte{0})
	for _, n := range names {
		sum := blake3.Sum256(code[n])
		_, _ = h.Write([]byte(n))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(sum[:])
	}
	return cell.NewDnaHash(h.Sum(nil))
}
