// Package migrations holds the embedded SQL schema for the snapshot
// service and helpers for validating and applying it. Embedding the
// migration files in the binary gives zero-config deployments: the
// migrator and the test harness both run the exact schema the service
// was built against.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes one parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration files.
func FS() fs.FS {
	return files
}

// Source returns a golang-migrate source driver over the embedded files.
func Source() (source.Driver, error) {
	return iofs.New(files, ".")
}

// List returns all embedded migration filenames that conform to the
// naming standard, in lexicographic order. Lexicographic order matches
// sequence order because sequence numbers are zero-padded.
func List() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if filenamePattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// Validate checks the embedded migration set: every file follows the
// naming standard, every up migration has a down migration and the
// sequence starts at 001 with no gaps.
func Validate() error {
	names, err := List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	infos := make([]Info, 0, len(names))

	for _, name := range names {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	return validateSequence(infos)
}

// Parse extracts sequence, name and direction from a migration filename.
func Parse(filename string) (Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Info{}, fmt.Errorf("invalid migration filename %q (expected 001_name.up.sql or 001_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("invalid sequence number in %q: %w", filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(infos []Info) error {
	directions := make(map[string]map[string]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !seen["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

func validateSequence(infos []Info) error {
	seen := make(map[int]bool)

	for _, info := range infos {
		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for sequence := range seen {
		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence must start at 001, found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", sequences[i-1]+1, sequences[i])
		}
	}

	return nil
}
