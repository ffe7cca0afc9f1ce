package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var captchaCmd = &cobra.Command{
	Use:   "captcha",
	Short: "Captcha solver account",
}

var captchaBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the solver account balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := startApp()
		if err != nil {
			return err
		}
		defer shutdownApp(app)

		balance, err := app.CaptchaBalance(cmd.Context())
		if err != nil {
			return fmt.Errorf("query captcha balance: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%.4f\n", balance)
		return nil
	},
}

func init() {
	captchaCmd.AddCommand(captchaBalanceCmd)
}
