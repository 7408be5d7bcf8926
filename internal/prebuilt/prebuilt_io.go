package prebuilt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/syscallshim"
)

// fileMagic is the on-disk PrebuiltLoaderSet magic, matching dyld's
// own four-byte tag for this format.
var fileMagic = [4]byte{'s', 'p', '4', 'd'}

// BootTokenXattr is the extended attribute name used to gate whether a
// saved PrebuiltLoaderSet is still trustworthy (spec.md §4.12 step 2:
// the boot token is kept in this xattr on the saved set file).
const BootTokenXattr = "com.apple.dyld"

// Save serializes the subset of set needed to revalidate and
// reconstruct the dependency skeleton on a later launch: paths,
// dependents, and per-record file identity. Richer data (regions,
// bind targets, objc hash tables) is intentionally not round-tripped;
// a cache miss on any of that falls back to a just-in-time rebuild,
// so the saved format only needs to answer "is this still valid" and
// "what depends on what".
func Save(set *Set) []byte {
	buf := new(bytes.Buffer)
	buf.Write(fileMagic[:])
	binary.Write(buf, binary.LittleEndian, set.VersionHash)
	buf.Write(set.DyldCacheUUID[:])
	binary.Write(buf, binary.LittleEndian, uint32(len(set.Records)))
	binary.Write(buf, binary.LittleEndian, uint32(len(set.MustBeMissing)))
	for _, p := range set.MustBeMissing {
		binary.Write(buf, binary.LittleEndian, uint32(len(p)))
		buf.WriteString(p)
	}
	for _, r := range set.Records {
		binary.Write(buf, binary.LittleEndian, uint32(len(r.Path)))
		buf.WriteString(r.Path)
		binary.Write(buf, binary.LittleEndian, uint32(len(r.Dependents)))
		for _, dep := range r.Dependents {
			binary.Write(buf, binary.LittleEndian, dep.Index)
			var flag byte
			if dep.FromApp {
				flag = 1
			}
			buf.WriteByte(flag)
		}
		binary.Write(buf, binary.LittleEndian, r.FileValidation.Inode)
		binary.Write(buf, binary.LittleEndian, uint64(r.FileValidation.Mtime))
		buf.Write(r.FileValidation.CDHash[:])
	}
	return buf.Bytes()
}

// Load reverses Save, validating the magic before trusting the
// remainder of the blob.
func Load(blob []byte) (*Set, error) {
	r := bytes.NewReader(blob)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil {
		return nil, fmt.Errorf("prebuilt: short read on magic: %w", err)
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("prebuilt: bad magic %v, not a PrebuiltLoaderSet", magic)
	}
	set := &Set{Magic: magic}
	if err := binary.Read(r, binary.LittleEndian, &set.VersionHash); err != nil {
		return nil, fmt.Errorf("prebuilt: reading version hash: %w", err)
	}
	if _, err := r.Read(set.DyldCacheUUID[:]); err != nil {
		return nil, fmt.Errorf("prebuilt: reading cache uuid: %w", err)
	}

	var recordCount, missingCount uint32
	binary.Read(r, binary.LittleEndian, &recordCount)
	binary.Read(r, binary.LittleEndian, &missingCount)
	for i := uint32(0); i < missingCount; i++ {
		var n uint32
		binary.Read(r, binary.LittleEndian, &n)
		b := make([]byte, n)
		r.Read(b)
		set.MustBeMissing = append(set.MustBeMissing, string(b))
	}
	set.Records = make([]Record, recordCount)
	for i := range set.Records {
		var n uint32
		binary.Read(r, binary.LittleEndian, &n)
		b := make([]byte, n)
		r.Read(b)
		set.Records[i].Path = string(b)

		var depCount uint32
		binary.Read(r, binary.LittleEndian, &depCount)
		for j := uint32(0); j < depCount; j++ {
			var idx uint16
			binary.Read(r, binary.LittleEndian, &idx)
			flag, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("prebuilt: reading dependent flag: %w", err)
			}
			ref, err := loaderref.NewRef(int(idx), flag != 0)
			if err != nil {
				return nil, fmt.Errorf("prebuilt: decoding dependent ref: %w", err)
			}
			set.Records[i].Dependents = append(set.Records[i].Dependents, ref)
		}

		binary.Read(r, binary.LittleEndian, &set.Records[i].FileValidation.Inode)
		var mtime uint64
		binary.Read(r, binary.LittleEndian, &mtime)
		set.Records[i].FileValidation.Mtime = int64(mtime)
		r.Read(set.Records[i].FileValidation.CDHash[:])
	}
	set.state = make([]State, len(set.Records))
	set.live = make([]loader.Loader, len(set.Records))
	return set, nil
}

// ReadFile loads path's full contents via shim and returns the
// decoded Set, for use on platforms or test harnesses where mmap'ing
// the closure file is not worthwhile (small file, short-lived process).
func ReadFile(shim syscallshim.Shim, path string) (*Set, error) {
	fd, err := shim.Open(path, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("prebuilt: open %s: %w", path, err)
	}
	defer shim.Close(fd)
	st, err := shim.Fstat(fd)
	if err != nil {
		return nil, fmt.Errorf("prebuilt: fstat %s: %w", path, err)
	}
	data := make([]byte, st.Size)
	if _, err := shim.Pread(fd, data, 0); err != nil {
		return nil, fmt.Errorf("prebuilt: pread %s: %w", path, err)
	}
	return Load(data)
}

// BootTokenMatches compares the boot token recorded in path's xattr
// against want, per spec.md §4.12 step 2; a missing xattr or mismatch
// both mean "rebuild from scratch".
func BootTokenMatches(shim syscallshim.Shim, path string, want []byte) bool {
	got, err := shim.GetFileAttribute(path, BootTokenXattr)
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}
