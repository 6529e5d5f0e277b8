package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Brownie44l1/caffe-mobile/internal/logging"
	"github.com/Brownie44l1/caffe-mobile/internal/model"
	"github.com/Brownie44l1/caffe-mobile/internal/session"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(model.NewONNXLoader).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(newLoader func(model.ONNXOptions) model.Loader) *cobra.Command {
	var (
		k       int
		table   bool
		verbose bool
		ortOpts model.ONNXOptions
	)

	cmd := &cobra.Command{
		Use:   "classify <model> <weights> <image>",
		Short: "Print the top-k class indices for an image",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			level := "info"
			if verbose {
				level = "debug"
			}
			logging.SetEnabled(verbose)
			logger, err := logging.New(logging.Config{Level: level})
			if err != nil {
				return err
			}
			defer logger.Sync()

			sess, err := session.Load(args[0], args[1],
				session.WithLoader(newLoader(ortOpts)),
				session.WithLogger(logger))
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := sess.Classify(session.Sample{Path: args[2]}, k)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !table {
				for _, idx := range res.Indices {
					fmt.Fprintln(out, idx)
				}
				return nil
			}

			t := tablewriter.NewWriter(out)
			t.SetHeader([]string{"Rank", "Index", "Class", "Score"})
			for i, idx := range res.Indices {
				t.Append([]string{
					strconv.Itoa(i + 1),
					strconv.Itoa(idx),
					res.Labels[i],
					strconv.FormatFloat(float64(res.Scores[i]), 'f', 4, 32),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", 3, "number of classes to print")
	cmd.Flags().BoolVar(&table, "table", false, "print rank, index, class and score as a table")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable logging")
	cmd.Flags().StringVar(&ortOpts.LibraryPath, "ort-lib", os.Getenv("ORT_LIBRARY_PATH"), "path to the onnxruntime shared library")
	cmd.Flags().IntVar(&ortOpts.IntraOpThreads, "threads", 0, "intra-op threads (0 lets the runtime decide)")
	return cmd
}
