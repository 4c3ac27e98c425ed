package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rkamd/rccl/internal/shm"
	"github.com/rkamd/rccl/rendezvous"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newWaitCmd(a *app) *cobra.Command {
	var (
		rank, size, rounds int
		timeout, delay     time.Duration
		keep, unlink       bool
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Join the barrier as one participant and run rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			opts := append(a.cfg.Options(),
				rendezvous.WithLogger(a.logger),
				rendezvous.WithRemoveOnClose(!keep),
				rendezvous.WithUnlinkAfterStartup(unlink),
			)

			b, err := rendezvous.New(rank, size, a.session, opts...)
			if b != nil {
				defer func() {
					err = multierr.Append(err, b.Close())
				}()
			}
			if err != nil {
				return err
			}

			time.Sleep(delay)
			for r := 0; r < rounds; r++ {
				start := time.Now()
				if timeout > 0 {
					err = b.WaitTimeout(timeout)
				} else {
					err = b.Wait()
				}
				if err != nil {
					return fmt.Errorf("round %d: %w", r, err)
				}
				a.logger.Info("round complete", zap.Int("round", r), zap.Duration("elapsed", time.Since(start)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rank %d completed %d rounds\n", rank, rounds)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&rank, "rank", 0, "this participant's index in the group")
	f.IntVar(&size, "size", 0, "number of participants")
	f.IntVar(&rounds, "rounds", 1, "rounds to run after startup")
	f.DurationVar(&timeout, "timeout", 0, "bound on each round; 0 waits forever")
	f.DurationVar(&delay, "delay", 0, "sleep before the first round")
	f.BoolVar(&keep, "keep", false, "leave the object names in place on exit (rank 0)")
	f.BoolVar(&unlink, "unlink-after-startup", false, "remove the object names once every participant attached (rank 0)")
	cmd.MarkFlagRequired("rank")
	cmd.MarkFlagRequired("size")
	return cmd
}

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the shared objects of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := append(a.cfg.Options(), rendezvous.WithLogger(a.logger))
			if !rendezvous.SharedStateExists(a.session, opts...) {
				fmt.Fprintf(cmd.OutOrStdout(), "session %d: nothing to remove\n", a.session)
				return nil
			}
			if err := rendezvous.RemoveSharedState(a.session, opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %d: removed\n", a.session)
			return nil
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the state of a session's shared objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := append(a.cfg.Options(), rendezvous.WithLogger(a.logger))
			st, err := rendezvous.Inspect(a.session, opts...)
			if err != nil {
				return err
			}
			names := rendezvous.Names(a.session)
			objects := len(names.All())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "session\t%d\n", a.session)
			fmt.Fprintf(w, "created\t%s by pid %d\n", humanize.Time(st.CreatedAt), st.CreatorPID)
			fmt.Fprintf(w, "objects\t%d x %s (%s)\n", objects,
				humanize.Bytes(uint64(shm.ObjectSize)), humanize.Bytes(uint64(objects*shm.ObjectSize)))
			fmt.Fprintf(w, "%s\topen=%t\n", names.Gate, st.GateOpen)
			fmt.Fprintf(w, "%s\t%d\n", names.Mutex, st.Mutex)
			fmt.Fprintf(w, "%s\t%d\n", names.TurnstileA, st.TurnstileA)
			fmt.Fprintf(w, "%s\t%d\n", names.TurnstileB, st.TurnstileB)
			fmt.Fprintf(w, "%s\t%d\n", names.Counter, st.Counter)
			fmt.Fprintf(w, "idle\t%t\n", st.Idle())
			return w.Flush()
		},
	}
}
