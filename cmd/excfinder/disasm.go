package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newDisasmCmd() *cobra.Command {
	var methods []string
	cmd := &cobra.Command{
		Use:   "disasm IMAGE...",
		Short: "Print the decoded instructions and handler table of methods",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := loadImages(cmd.Context(), args)
			if err != nil {
				return errWithCode(err, exitError)
			}
			w := cmd.OutOrStdout()
			for i, ref := range methods {
				m, err := u.FindMethod(ref)
				if err != nil {
					return errWithCode(fmt.Errorf("method %s: %w", ref, err), exitError)
				}
				text, err := u.Disassemble(m)
				if err != nil {
					return errWithCode(fmt.Errorf("disassembling %s: %w", ref, err), exitError)
				}
				if i > 0 {
					io.WriteString(w, "\n")
				}
				fmt.Fprintf(w, "%s\n%s", methodColor.Sprint(m.FullName()), text)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&methods, "method", "m", nil, "Methods to disassemble, e.g. App.Worker::Run")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}
