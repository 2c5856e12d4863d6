package genome

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Record is one line of a genome list: a file path or an accession.
type Record string

// Key returns the identity key: the basename cut at the first dot.
func (r Record) Key() string {
	return Key(string(r))
}

// Key derives the identity key for a raw genome path or accession.
func Key(line string) string {
	base := filepath.Base(strings.TrimSpace(line))
	key, _, _ := strings.Cut(base, ".")
	return key
}

// List is an ordered genome list.
type List []Record

// Keys returns the identity keys in list order.
func (l List) Keys() []string {
	keys := make([]string, len(l))
	for i, r := range l {
		keys[i] = r.Key()
	}
	return keys
}

// Lines returns the raw lines in list order.
func (l List) Lines() []string {
	lines := make([]string, len(l))
	for i, r := range l {
		lines[i] = string(r)
	}
	return lines
}

// Partition is the reference/remainder split of an input list.
type Partition struct {
	Reference List
	Remainder List
}

// PathMap maps identity keys back to the original lines. Later lines win on
// duplicate keys.
func PathMap(l List) map[string]Record {
	m := make(map[string]Record, len(l))
	for _, r := range l {
		m[r.Key()] = r
	}
	return m
}

// FromLines builds a list from raw lines, dropping blank ones.
func FromLines(lines []string) List {
	var l List
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		l = append(l, Record(line))
	}
	return l
}

// OrOS returns fs, or the OS filesystem when fs is nil.
func OrOS(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}

// ReadList reads a genome list file, one record per line. A nil fs reads
// from the OS filesystem.
func ReadList(fs afero.Fs, path string) (List, error) {
	f, err := OrOS(fs).Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read genome list %s: %w", path, err)
	}
	return FromLines(lines), nil
}

// WriteList writes one record per line.
func WriteList(fs afero.Fs, path string, l List) error {
	return WriteLines(fs, path, l.Lines())
}

// WriteLines writes newline-terminated lines to path.
func WriteLines(fs afero.Fs, path string, lines []string) error {
	f, err := OrOS(fs).Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Basename returns the file name of path without its last extension.
func Basename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
