// Package artifact encodes compiled units as CBOR descriptors so they can
// be inspected outside the process that produced them.
package artifact

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/cask/vm"
)

// Version is bumped whenever the Descriptor layout changes.
const Version = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("artifact: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Constant is one entry of a unit's constant pool.
type Constant struct {
	Kind  string `cbor:"1,keyasint"` // class, field, method, ref, string, object
	Value string `cbor:"2,keyasint"`
}

// Descriptor is the portable form of a compiled unit.
type Descriptor struct {
	Version   int        `cbor:"1,keyasint"`
	Name      string     `cbor:"2,keyasint"`
	Owner     string     `cbor:"3,keyasint"`
	Method    string     `cbor:"4,keyasint"`
	Desc      string     `cbor:"5,keyasint"`
	Constants []Constant `cbor:"6,keyasint"`
	Labels    []int      `cbor:"7,keyasint"`
	FailPaths int        `cbor:"8,keyasint"`
	Listing   string     `cbor:"9,keyasint"`
	Hash      [32]byte   `cbor:"10,keyasint"`
	Created   int64      `cbor:"11,keyasint"` // unix nanoseconds
}

// Describe builds the descriptor of u. String constants are decoded
// through v when it is non-nil.
func Describe(v *vm.VM, u *vm.CompiledUnit) *Descriptor {
	d := &Descriptor{
		Version:   Version,
		Name:      u.Name,
		Owner:     u.Owner,
		Method:    u.Method,
		Desc:      u.Desc,
		Labels:    append([]int(nil), u.Labels...),
		FailPaths: u.FailPaths,
		Listing:   u.Disassemble(),
		Created:   time.Now().UnixNano(),
	}
	for _, c := range u.Constants {
		d.Constants = append(d.Constants, constant(v, c))
	}
	d.Hash = d.ContentHash()
	return d
}

func constant(v *vm.VM, c any) Constant {
	switch c := c.(type) {
	case *vm.Class:
		return Constant{"class", c.Name}
	case vm.ClassRef:
		return Constant{"class", string(c)}
	case *vm.Field:
		return Constant{"field", c.String()}
	case *vm.Method:
		return Constant{"method", c.Key()}
	case *vm.MemberRef:
		return Constant{"ref", c.String()}
	case *vm.Object:
		if v != nil && c.Class() == v.Symbols.String {
			return Constant{"string", v.GoString(c)}
		}
		return Constant{"object", c.String()}
	}
	return Constant{"other", fmt.Sprint(c)}
}

// ContentHash digests everything but the creation time, so two compiles
// of the same method hash equal.
func (d *Descriptor) ContentHash() [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%d\x00", d.Version, d.Owner, d.Method, d.Desc, d.FailPaths)
	for _, c := range d.Constants {
		fmt.Fprintf(h, "%s=%s\x00", c.Kind, c.Value)
	}
	for _, l := range d.Labels {
		fmt.Fprintf(h, "%d,", l)
	}
	// The listing's first line carries the unit name, which varies.
	if _, body, ok := strings.Cut(d.Listing, "\n"); ok {
		h.Write([]byte(body))
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Marshal serializes a Descriptor to CBOR bytes.
func Marshal(d *Descriptor) ([]byte, error) {
	return encMode.Marshal(d)
}

// Unmarshal deserializes a Descriptor from CBOR bytes.
func Unmarshal(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("artifact: unmarshal descriptor: %w", err)
	}
	if d.Version != Version {
		return nil, fmt.Errorf("artifact: unsupported descriptor version %d", d.Version)
	}
	return &d, nil
}

// ReadFile loads a descriptor written by DirInstaller.
func ReadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	d, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// FileName is the file a unit's descriptor is written to.
func FileName(unitName string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(unitName) + ".cbor"
}

// ---------------------------------------------------------------------------
// DirInstaller
// ---------------------------------------------------------------------------

// DirInstaller writes a descriptor for every unit into a directory and
// then hands the unit to the next installer. A unit whose descriptor
// cannot be written is not installed.
type DirInstaller struct {
	Dir  string
	VM   *vm.VM
	Next vm.Installer

	log commonlog.Logger
}

// NewDirInstaller creates dir if needed. A nil next installs directly.
func NewDirInstaller(v *vm.VM, dir string, next vm.Installer) (*DirInstaller, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("artifact: creating %s: %w", dir, err)
	}
	if next == nil {
		next = vm.DirectInstaller{}
	}
	return &DirInstaller{
		Dir:  dir,
		VM:   v,
		Next: next,
		log:  commonlog.GetLogger("cask.artifact"),
	}, nil
}

// Install implements vm.Installer.
func (i *DirInstaller) Install(m *vm.Method, u *vm.CompiledUnit) error {
	if u.SourceMethod() != m {
		return fmt.Errorf("artifact: unit %s was not compiled from %s", u.Name, m.Key())
	}
	data, err := Marshal(Describe(i.VM, u))
	if err != nil {
		return fmt.Errorf("artifact: encoding %s: %w", u.Name, err)
	}
	path := filepath.Join(i.Dir, FileName(u.Name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("artifact: writing %s: %w", path, err)
	}
	i.log.Debugf("wrote %s (%d bytes)", path, len(data))
	return i.Next.Install(m, u)
}

// ReadDir loads every descriptor in dir, ordered by unit name.
func ReadDir(dir string) ([]*Descriptor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.cbor"))
	if err != nil {
		return nil, err
	}
	out := make([]*Descriptor, 0, len(paths))
	for _, p := range paths {
		d, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}
