package main

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"rover/i2c"
	"rover/ups"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Read the UPS module once and print its status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := ups.Open(i2c.BusNumber(cfg.Hardware.UPS.Bus), logger.Named("ups"))
		if err != nil {
			return err
		}
		defer u.Close()
		if err := u.Refresh(); err != nil {
			return err
		}
		data, err := json.MarshalIndent(u.Status(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
