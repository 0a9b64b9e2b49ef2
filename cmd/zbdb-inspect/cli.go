package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/strawhat5/zeebe/internal/snapshot"
	"github.com/strawhat5/zeebe/internal/sql"
	"github.com/strawhat5/zeebe/internal/storage"
	"github.com/strawhat5/zeebe/internal/storage/boltdb"
	"github.com/strawhat5/zeebe/internal/zbdb"
)

type cmdSnapshots struct{}

type cmdVerify struct {
	ID string `arg:"" optional:"" help:"Snapshot id, defaults to every snapshot."`
}

// cmdQuery runs a read query against a copy of a persisted snapshot, so the
// snapshot itself is never opened for writing.
type cmdQuery struct {
	SQL      string `arg:"" help:"SELECT statement, e.g. \"SELECT * FROM variables LIMIT 10\"."`
	Snapshot string `short:"s" help:"Snapshot id, defaults to the latest."`
	Hex      bool   `short:"x" help:"Print keys and values as hex."`
}

type cliArgs struct {
	Dir string `short:"d" required:"" type:"path" help:"Snapshot store directory of a partition."`

	Snapshots cmdSnapshots `cmd:"" help:"List persisted snapshots."`
	Verify    cmdVerify    `cmd:"" help:"Verify snapshot checksums."`
	Query     cmdQuery     `cmd:"" help:"Query the state of a snapshot."`
}

// CliConfig holds what Cli needs from its environment.
type CliConfig struct {
	Name   string
	Stdout io.Writer
	Stderr io.Writer
	Exit   func(int)
}

// Cli parses args and runs the selected subcommand.
func Cli(args []string, config *CliConfig) error {
	var cli cliArgs
	parser, err := kong.New(&cli,
		kong.Name(config.Name),
		kong.Description("Inspect the snapshots of a partition's state."),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	store, err := snapshot.OpenReadOnly(cli.Dir, nil)
	if err != nil {
		return err
	}

	switch ctx.Command() {
	case "snapshots":
		return listSnapshots(store, config.Stdout)
	case "verify", "verify <id>":
		return verify(store, cli.Verify.ID, config.Stdout)
	case "query <sql>":
		return query(store, &cli.Query, config.Stdout)
	default:
		return fmt.Errorf("unknown command %q", ctx.Command())
	}
}

func listSnapshots(store *snapshot.Store, out io.Writer) error {
	snaps, err := store.Snapshots()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOWER\tUPPER\tCREATED\tCHECKSUM")
	for _, s := range snaps {
		created := "-"
		if meta, err := snapshot.ReadMetadata(s); err == nil {
			created = meta.CreatedAt.Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", s.ID, s.LowerBound, s.UpperBound, created, s.Checksum)
	}
	return w.Flush()
}

func verify(store *snapshot.Store, id string, out io.Writer) error {
	snaps, err := store.Snapshots()
	if err != nil {
		return err
	}
	var failed []error
	found := false
	for _, s := range snaps {
		if id != "" && s.ID != id {
			continue
		}
		found = true
		if err := store.Verify(s); err != nil {
			fmt.Fprintf(out, "%s\tFAILED\t%v\n", s.ID, err)
			failed = append(failed, err)
			continue
		}
		fmt.Fprintf(out, "%s\tOK\n", s.ID)
	}
	if id != "" && !found {
		return fmt.Errorf("snapshot %s not found", id)
	}
	return errors.Join(failed...)
}

func findSnapshot(store *snapshot.Store, id string) (snapshot.PersistedSnapshot, error) {
	if id == "" {
		latest, ok := store.LatestSnapshot()
		if !ok {
			return latest, errors.New("no persisted snapshot")
		}
		return latest, nil
	}
	snaps, err := store.Snapshots()
	if err != nil {
		return snapshot.PersistedSnapshot{}, err
	}
	for _, s := range snaps {
		if s.ID == id {
			return s, nil
		}
	}
	return snapshot.PersistedSnapshot{}, fmt.Errorf("snapshot %s not found", id)
}

func query(store *snapshot.Store, cmd *cmdQuery, out io.Writer) error {
	plan, err := sql.ParseToPlan(cmd.SQL)
	if err != nil {
		return err
	}
	if sql.IsWrite(plan) {
		return errors.New("snapshots are read-only")
	}

	snap, err := findSnapshot(store, cmd.Snapshot)
	if err != nil {
		return err
	}
	if err := store.Verify(snap); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "zbdb-inspect-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	if err := snapshot.CopyDir(snap.Path, tmp); err != nil {
		return err
	}

	engine, err := openEngine(tmp)
	if err != nil {
		return err
	}
	db, err := zbdb.Open(engine, zbdb.Options{})
	if err != nil {
		engine.Close()
		return err
	}
	defer db.Close()

	exec := sql.NewExecutor(db)
	exec.Hex = cmd.Hex
	rows, err := exec.Execute(plan)
	if err != nil {
		return err
	}

	cols := plan.(*sql.ProjectNode).Columns
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// openEngine picks the engine that wrote the state in dir.
func openEngine(dir string) (storage.Engine, error) {
	names := zbdb.ColumnFamilyNames()
	if _, err := os.Stat(filepath.Join(dir, boltdb.FileName)); err == nil {
		return boltdb.Open(dir, names)
	}
	return storage.OpenMemory(dir, names)
}
