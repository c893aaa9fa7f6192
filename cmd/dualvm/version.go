package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/dualvm/buildid"
	"github.com/wippyai/dualvm/bytebuf"
	"github.com/wippyai/dualvm/runners"
)

var noConfig = map[string]string{"config": "none"}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the build identity",
		Args:        cobra.NoArgs,
		Annotations: noConfig,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildid.ID())
		},
	}
}

func newParseVersionCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:         "parse-version",
		Short:       "Print the version declared by a runner read from stdin or --file",
		Args:        cobra.NoArgs,
		Annotations: noConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var buf *bytebuf.Buffer
			if file != "" {
				m, err := bytebuf.Map(file)
				if err != nil {
					return err
				}
				buf = m
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				buf = bytebuf.FromBytes(data)
			}
			defer buf.Release()

			v, err := runners.ParseVersion(buf)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "runner file (default stdin)")
	return cmd
}
