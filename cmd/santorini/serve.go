package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/santorini/api"
	"github.com/brensch/santorini/player"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr string
		kind string
		seed uint64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve moves for a strategy over HTTP",
		Long:  "POST /move with {workers, heights, turn} returns the strategy's action for the player to move.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := player.ParseKind(kind)
			if err != nil {
				return err
			}
			if k == player.Input {
				return fmt.Errorf("%v players read a terminal and cannot serve moves", k)
			}
			eval, err := a.newEvaluatorFor(k)
			if err != nil {
				return err
			}
			defer eval.Close()

			p, err := newPlayer(a, k, eval, 0, seed, nil, nil)
			if err != nil {
				return err
			}

			router := newRouter()
			api.NewServer(p, a.log).Routes(router)
			serve(cmd.Context(), addr, router, a.log)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&kind, "player", "mcts", "strategy answering moves")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for random strategies")
	return cmd
}
