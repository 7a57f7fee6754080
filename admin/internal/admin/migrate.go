package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/malbeclabs/medallion/pipeline/pkg/store/sqlstore"
)

// MigrateStatus prints the known system-table migrations.
func MigrateStatus(ctx context.Context, st *sqlstore.Store, out io.Writer) error {
	statuses, err := st.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMIGRATION\tAPPLIED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%d\t%s\t%t\n", s.Version, s.Path, s.Applied)
	}
	return w.Flush()
}
