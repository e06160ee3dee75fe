package main

import (
	"github.com/spf13/cobra"
)

// appRunE is a command body that needs the opened app.
type appRunE func(cmd *cobra.Command, args []string, a *app, p *printer) error

// withApp opens the app around fn and closes it afterwards.
func withApp(fn appRunE) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd.OutOrStdout(), outputFormat)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a, p)
	}
}
