package migrator

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migration is one versioned, forward-only schema script.
type Migration struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	SQL     string `json:"-"`
}

func (m Migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// Load reads every NNNN_name.up.sql script at the root of fsys, ordered by
// version. Files that do not follow the naming convention are ignored;
// duplicate versions are an error.
func Load(fsys fs.FS) ([]Migration, error) {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}
	defer src.Close()

	var migrations []Migration
	version, err := src.First()
	for {
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list migrations: %w", err)
		}

		mig, rerr := readUp(src, version)
		if rerr != nil {
			return nil, rerr
		}
		migrations = append(migrations, mig)

		version, err = src.Next(version)
	}
	return migrations, nil
}

type upReader interface {
	ReadUp(version uint) (io.ReadCloser, string, error)
}

func readUp(src upReader, version uint) (Migration, error) {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return Migration{}, fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	return Migration{Version: version, Name: name, SQL: string(body)}, nil
}

// sortMigrations orders migrations by version and rejects duplicates and
// the reserved version 0.
func sortMigrations(migrations []Migration) ([]Migration, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for i, m := range sorted {
		if m.Version == 0 {
			return nil, fmt.Errorf("migration %q: version 0 is reserved", m.Name)
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", m.Version, sorted[i-1].Name, m.Name)
		}
	}
	return sorted, nil
}
