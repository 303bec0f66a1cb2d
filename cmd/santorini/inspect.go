package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brensch/santorini/store"
)

func newInspectCmd(_ *app) *cobra.Command {
	var (
		archive bool
		index   bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize the games in a parquet batch or game index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if index {
				idx, err := store.OpenIndex(args[0])
				if err != nil {
					return err
				}
				defer idx.Close()
				return printIndex(cmd.OutOrStdout(), idx, limit)
			}
			if archive {
				rows, err := store.ReadArchiveRows(args[0])
				if err != nil {
					return err
				}
				return printArchive(cmd.OutOrStdout(), rows)
			}
			rows, err := store.ReadTrainingRows(args[0])
			if err != nil {
				return err
			}
			return printTraining(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "read a game archive file instead of training rows")
	cmd.Flags().BoolVar(&index, "index", false, "read a SQLite game index")
	cmd.Flags().IntVar(&limit, "limit", 20, "most recent games to list from an index")
	return cmd
}

type gameSummary struct {
	id      string
	worker  int32
	plies   int
	winner  int32
	p0Value float32
}

func printTraining(w io.Writer, rows []store.TrainingRow) error {
	var order []string
	games := map[string]*gameSummary{}
	for _, r := range rows {
		g, ok := games[r.GameID]
		if !ok {
			g = &gameSummary{id: r.GameID, worker: r.Worker, winner: r.Winner}
			games[r.GameID] = g
			order = append(order, r.GameID)
		}
		g.plies++
		if r.Player == 0 {
			g.p0Value = r.Value
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GAME\tWORKER\tPLIES\tWINNER\tP0 VALUE")
	wins := [2]int{}
	for _, id := range order {
		g := games[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%+.0f\n", g.id, g.worker, g.plies, g.winner, g.p0Value)
		if g.winner == 0 || g.winner == 1 {
			wins[g.winner]++
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d games, %d rows, wins p0=%d p1=%d\n", len(order), len(rows), wins[0], wins[1])
	return err
}

func printArchive(w io.Writer, rows []store.ArchiveGameRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GAME\tPLIES\tWINNER\tDURATION")
	for _, r := range rows {
		_, actions, err := store.ReplayArchive(r)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%dms\n", r.GameID, len(actions), r.Winner, r.DurationMs)
	}
	return tw.Flush()
}

func printIndex(w io.Writer, idx *store.Index, limit int) error {
	games, err := idx.Games(limit)
	if err != nil {
		return err
	}
	sum, err := idx.Summary()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GAME\tWORKER\tPLIES\tWINNER\tBATCH")
	for _, g := range games {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", g.ID, g.Worker, g.Plies, g.Winner, g.Batch)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d indexed games, wins p0=%d p1=%d, %.1f plies on average\n",
		sum.Games, sum.Wins[0], sum.Wins[1], sum.AvgPlies)
	return err
}
