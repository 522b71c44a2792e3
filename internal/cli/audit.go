package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/jailhttpd/internal/store"
	"github.com/agentsh/jailhttpd/internal/store/sqlite"
)

func newAuditCmd() *cobra.Command {
	var (
		dbPath  string
		limit   int
		outcome string
		host    string
		since   time.Duration
		summary bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded identity transitions",
		Example: `  jailhttpd audit --limit 20
  jailhttpd audit --outcome forbidden --since 1h
  jailhttpd audit --summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sqlite.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if summary {
				counts, err := db.CountByOutcome(cmd.Context())
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(counts))
				for k := range counts {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, []string{k, strconv.FormatInt(counts[k], 10)})
				}
				return printResult(cmd, counts, []string{"OUTCOME", "COUNT"}, rows)
			}

			q := store.Query{Outcome: outcome, Host: host, Limit: limit}
			if since > 0 {
				ts := time.Now().Add(-since)
				q.Since = &ts
			}
			recs, err := db.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []store.Record{}
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					r.Timestamp.Local().Format(time.DateTime),
					r.RequestID,
					r.Outcome,
					fmt.Sprintf("%d:%d", r.UID, r.GID),
					r.Host,
					r.Path,
				})
			}
			return printResult(cmd, recs, []string{"TIME", "REQUEST", "OUTCOME", "UID:GID", "HOST", "PATH"}, rows)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", getenvDefault("JAILHTTPD_AUDIT_DB", "/var/lib/jailhttpd/audit.db"), "Audit database path")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to list")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only list this outcome: proceed, declined or forbidden")
	cmd.Flags().StringVar(&host, "host", "", "Only list requests for this Host header")
	cmd.Flags().DurationVar(&since, "since", 0, "Only list records newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print record counts by outcome")
	return cmd
}
