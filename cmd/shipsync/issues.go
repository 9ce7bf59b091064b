package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/realartists/shipsync/datastore"
	"github.com/realartists/shipsync/models"
)

var cmdIssues = &cli.Command{
	Name:  "issues",
	Usage: "list issues from the local replica, works offline",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "state",
			Usage: "filter by state (open, closed)",
		},
		&cli.StringFlag{
			Name:  "label",
			Usage: "filter by label name",
		},
		&cli.StringFlag{
			Name:  "search",
			Usage: "filter by title substring",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 50,
		},
	},
	Action: runIssues,
}

func runIssues(cctx *cli.Context) error {
	configLogger(cctx, os.Stderr)

	ds := newDataStore(cctx)
	if err := ds.Activate(cctx.Context); err != nil {
		return err
	}
	defer ds.Close()

	issues, err := ds.Issues(cctx.Context, datastore.IssueQuery{
		State:         models.IssueState(cctx.String("state")),
		Label:         cctx.String("label"),
		TitleContains: cctx.String("search"),
		Sort:          datastore.SortUpdated,
		Descending:    true,
		Limit:         cctx.Int("limit"),
	})
	if err != nil {
		return err
	}

	md, err := ds.Metadata(cctx.Context)
	if err != nil {
		return err
	}
	repoNames := make(map[models.RecordID]string, len(md.Repos))
	for _, r := range md.Repos {
		repoNames[r.ID] = r.FullName
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tNUMBER\tSTATE\tTITLE")
	for _, issue := range issues {
		fmt.Fprintf(w, "%s\t#%d\t%s\t%s\n", repoNames[issue.RepoID], issue.Number, issue.State, issue.Title)
	}
	return w.Flush()
}

var cmdOutbox = &cli.Command{
	Name:   "outbox",
	Usage:  "list mutations queued for the server",
	Action: runOutbox,
}

func runOutbox(cctx *cli.Context) error {
	configLogger(cctx, os.Stderr)

	ds := newDataStore(cctx)
	if err := ds.Activate(cctx.Context); err != nil {
		return err
	}
	defer ds.Close()

	pending, err := ds.PendingMutations(cctx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tSTATUS\tERROR")
	for _, entry := range pending {
		status := "pending"
		if entry.Failed {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			entry.PlaceholderID, entry.Kind, entry.Attempts, status, entry.LastError)
	}
	return w.Flush()
}
