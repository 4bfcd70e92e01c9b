package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// TreeFile is one entry of a hash tree.
type TreeFile struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Tree is the hash summary of a directory.
type Tree struct {
	Directory  string     `json:"directory"`
	FileCount  int        `json:"file_count"`
	Files      []TreeFile `json:"files"`
	RootHash   string     `json:"root_hash"`
	ComputedAt string     `json:"computed_at"`
}

// Output file names written by WriteTree.
const (
	TreeSumsFile = "files.sha256"
	TreeRootFile = "root_hash.txt"
	TreeJSONFile = "hash_tree.json"
)

// HashTree hashes every regular file below dir whose name does not start with
// a dot; files inside dot directories are included. The root hash is
// the SHA-256 of the concatenated per-file hashes in sorted order. The output
// files of a previous WriteTree into dir are excluded.
func HashTree(dir string, now time.Time) (*Tree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", abs)
	}

	var files []TreeFile
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == TreeSumsFile || rel == TreeRootFile || rel == TreeJSONFile {
			return nil
		}
		sum, size, err := canonicalize.HashFile(p)
		if err != nil {
			return err
		}
		files = append(files, TreeFile{Path: rel, SHA256: sum, SizeBytes: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	hashes := make([]string, len(files))
	for i, f := range files {
		hashes[i] = f.SHA256
	}
	sort.Strings(hashes)

	if files == nil {
		files = []TreeFile{}
	}
	return &Tree{
		Directory:  abs,
		FileCount:  len(files),
		Files:      files,
		RootHash:   canonicalize.HashStrings(hashes...),
		ComputedAt: now.UTC().Format(time.RFC3339),
	}, nil
}

// WriteTree writes files.sha256, root_hash.txt and hash_tree.json into outDir.
func WriteTree(t *Tree, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	var sums strings.Builder
	for _, f := range t.Files {
		fmt.Fprintf(&sums, "%s  %s\n", f.SHA256, f.Path)
	}
	if err := writeFileAtomic(filepath.Join(outDir, TreeSumsFile), []byte(sums.String())); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(outDir, TreeRootFile), []byte(t.RootHash+"\n")); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(outDir, TreeJSONFile), append(data, '\n'))
}
